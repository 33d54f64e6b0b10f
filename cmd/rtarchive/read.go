// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/packetstream"
	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/atomicfile"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// forEachPacket opens a read cursor over the archive and invokes fn for every
// packet that it returns.
func forEachPacket(ctx context.Context, e *env, crit archive.Criteria, opts archive.CursorOptions,
	fn func(pkt *reftek.Packet, brk bool) error) error {

	a, err := archive.OpenForRead(e.cfg.Path, e.options())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.OpenCursor(crit, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, err := c.Next()
		brk := false
		switch errors.Cause(err) {
		case nil:
		case archive.ErrEndOfData:
			return nil
		case archive.ErrSequenceBreak:
			brk = true
		default:
			return err
		}

		if err := fn(pkt, brk); err != nil {
			return err
		}
	}
}

func readCmd(ctx context.Context, args []string) error {
	var (
		cf   commonFlags
		crit criteriaFlags
	)
	fs := newFlagSet("read", &cf)
	crit.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, opts, err := crit.criteria()
	if err != nil {
		return err
	}

	e, err := cf.setup()
	if err != nil {
		return err
	}
	defer e.close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	count := 0
	err = forEachPacket(ctx, e, c, opts, func(pkt *reftek.Packet, brk bool) error {
		count++
		if err := printPacket(w, pkt); err != nil {
			return err
		}
		if brk {
			_, err := fmt.Fprintln(w, "-- sequence break --")
			return err
		}
		return nil
	})
	e.logger.Debugf("Read %s packet(s).", humanize.Comma(int64(count)))
	return err
}

func printPacket(w io.Writer, pkt *reftek.Packet) error {
	var err error
	switch {
	case pkt.Type == reftek.TypeDT:
		_, err = fmt.Fprintf(w, "%s %04X %d %s seq=%04d evt=%d ch=%d samples=%d\n",
			pkt.Type, pkt.Unit, pkt.Stream, timeutil.Format(pkt.Time), pkt.Sequence, pkt.EventNumber,
			pkt.Channel, pkt.Samples)

	case pkt.Type.IsTimeSeries():
		rate, _ := pkt.Rate()
		_, err = fmt.Fprintf(w, "%s %04X %d %s seq=%04d evt=%d rate=%g\n",
			pkt.Type, pkt.Unit, pkt.Stream, timeutil.Format(pkt.Time), pkt.Sequence, pkt.EventNumber, rate)

	default:
		_, err = fmt.Fprintf(w, "%s %04X - %s seq=%04d\n",
			pkt.Type, pkt.Unit, timeutil.Format(pkt.Time), pkt.Sequence)
	}
	return err
}

func exportCmd(ctx context.Context, args []string) error {
	var (
		cf   commonFlags
		crit criteriaFlags
		comp = packetstream.CompressionFlag(packetstream.CompressionSnappy)
	)
	fs := newFlagSet("export", &cf)
	crit.addFlags(fs)
	output := fs.StringP("output", "o", "", "Path of the packet stream file to write (required).")
	fs.Var(&comp, "compression", "Compression to apply. One of: "+packetstream.CompressionFlagValues()+".")
	level := fs.Int("compression-level", -1, "Compression level, for gzip. If negative, the default is used.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" {
		return errors.New("an output path is required (--output)")
	}

	c, opts, err := crit.criteria()
	if err != nil {
		return err
	}

	e, err := cf.setup()
	if err != nil {
		return err
	}
	defer e.close()

	// Stage the export, so an interrupted export leaves nothing behind.
	f, err := atomicfile.New(*output)
	if err != nil {
		return errors.Wrap(err, "creating output")
	}
	defer f.Destroy()

	sw, err := packetstream.NewWriter(nopCloser{f.File}, comp.Value(), *level)
	if err != nil {
		return err
	}

	breaks := 0
	err = forEachPacket(ctx, e, c, opts, func(pkt *reftek.Packet, brk bool) error {
		if brk {
			breaks++
		}
		return sw.WritePacket(pkt)
	})
	if closeErr := sw.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := f.Commit(); err != nil {
		return err
	}

	e.logger.Infof("Exported %s packet(s) to %q (%s), with %d sequence break(s).",
		humanize.Comma(sw.Count()), *output, comp.Value(), breaks)
	return nil
}

// nopCloser leaves closing the staged file to its atomicfile.F.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
