// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/fmtutil"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

func infoCmd(ctx context.Context, args []string) error {
	var cf commonFlags
	fs := newFlagSet("info", &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := cf.setup()
	if err != nil {
		return err
	}
	defer e.close()

	a, err := archive.OpenForRead(e.cfg.Path, e.options())
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Info()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Root:\t%s\n", info.Root)
	fmt.Fprintf(tw, "Name:\t%s\n", info.Name)
	fmt.Fprintf(tw, "Version:\t%s\n", info.Version)
	fmt.Fprintf(tw, "Created:\t%s\n", timeutil.Format(info.Created))
	fmt.Fprintf(tw, "Updated:\t%s\n", timeutil.Format(info.Updated))
	fmt.Fprintf(tw, "Data:\t%s to %s\n", timeutil.Format(info.Earliest), timeutil.Format(info.Latest))
	fmt.Fprintf(tw, "Used:\t%s\n", fmtutil.Bytes(info.UsedBytes))
	fmt.Fprintf(tw, "Threshold:\t%s\n", limitString(info.ThresholdBytes))
	fmt.Fprintf(tw, "Maximum:\t%s\n", limitString(info.MaxBytes))
	if info.WriterHeld {
		fmt.Fprintf(tw, "Writer:\tPID %d\n", info.WriterPID)
	} else {
		fmt.Fprintf(tw, "Writer:\tnone\n")
	}
	fmt.Fprintf(tw, "Streams:\t%d\n", info.StreamCount)
	if err := tw.Flush(); err != nil {
		return err
	}

	if info.StreamCount == 0 {
		return nil
	}

	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTREAM\tCHANNELS\tRATE\tEARLIEST\tLATEST\tSIZE")
	si, err := a.FirstStream()
	for err == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(tw, "%04X\t%s\t%s\t%s\t%s\t%s\t%s\n",
			si.Unit, streamString(si), channelString(si.Channels), rateString(si.Rate),
			timeutil.Format(si.Earliest), timeutil.Format(si.Latest), fmtutil.Bytes(si.Bytes))
		si, err = a.NextStream(si)
	}
	if errors.Cause(err) != archive.ErrNotFound {
		return err
	}
	return tw.Flush()
}

func limitString(v int64) string {
	if v <= 0 {
		return "none"
	}
	return fmtutil.Bytes(v).String()
}

func streamString(si *archive.StreamInfo) string {
	if si.Stream == archive.StatusStream {
		return "status"
	}
	return strconv.Itoa(int(si.Stream))
}

func rateString(rate float64) string {
	if rate == 0 {
		return "-"
	}
	return fmt.Sprintf("%g Hz", rate)
}

func channelString(mask uint16) string {
	if mask == 0 {
		return "-"
	}
	var chans []string
	for ch := 1; ch <= reftek.MaxChannel; ch++ {
		if mask&(1<<uint(ch-1)) != 0 {
			chans = append(chans, strconv.Itoa(ch))
		}
	}
	return strings.Join(chans, ",")
}
