// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"os"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/packetstream"
	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/fmtutil"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

func writeCmd(ctx context.Context, args []string) error {
	var cf commonFlags
	fs := newFlagSet("write", &cf)
	create := fs.Bool("create", false, "Create the archive if it does not exist.")
	raw := fs.Bool("raw", false, "Inputs are headerless packet captures rather than packet streams.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := cf.setup()
	if err != nil {
		return err
	}
	defer e.close()

	a, err := openWriter(e, *create)
	if err != nil {
		return err
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	var st writeStats
	for _, input := range inputs {
		if err = st.writeFile(ctx, e, a, input, *raw); err != nil {
			break
		}
	}

	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "closing archive")
	}
	e.logger.Infof("Wrote %s packet(s) (%s) from %d input(s); rejected %s.",
		humanize.Comma(st.written), fmtutil.Bytes(st.written*reftek.PacketSize), len(inputs), humanize.Comma(st.rejected))
	return err
}

func openWriter(e *env, create bool) (*archive.Archive, error) {
	if create {
		a, err := archive.Create(e.cfg.Path, e.cfg.Name, e.options())
		if errors.Cause(err) != archive.ErrArchiveAlreadyExists {
			return a, err
		}
		e.logger.Debugf("Archive at %q already exists; opening it.", e.cfg.Path)
	}
	return archive.OpenForWrite(e.cfg.Path, e.cfg.Name, e.options())
}

type writeStats struct {
	written  int64
	rejected int64
}

func (st *writeStats) writeFile(ctx context.Context, e *env, a *archive.Archive, input string, raw bool) error {
	var in io.Reader = os.Stdin
	if input != "-" {
		fd, err := os.Open(input)
		if err != nil {
			return errors.Wrap(err, "opening input")
		}
		defer fd.Close()
		in = fd
	}

	var r *packetstream.Reader
	if raw {
		r = packetstream.NewRawReader(in)
	} else {
		var err error
		if r, err = packetstream.NewReader(in); err != nil {
			return errors.Wrapf(err, "opening packet stream %q", input)
		}
	}
	e.logger.Infof("Writing packets from %q (%s).", input, r.Compression())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.ReadRecord()
		switch err {
		case nil:
		case io.EOF:
			return nil
		default:
			return errors.Wrapf(err, "reading %q", input)
		}

		err = a.WritePacket(rec)
		switch errors.Cause(err) {
		case nil:
			st.written++
		case archive.ErrBadPacket, archive.ErrNoRateDerivable:
			e.logger.Warnf("Dropped packet from %q: %s", input, err)
			st.rejected++
		default:
			return err
		}
	}
}
