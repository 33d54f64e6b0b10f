// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"math"

	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/timeutil"
)

// stashCapacity is the maximum number of packets held per stream while its
// sampling rate is unknown. It also bounds the number of packets discarded
// while trying to derive a rate.
const stashCapacity = 16

// pairRate returns the rate implied by the first pair of same-channel DT
// packets in pkts: the first packet's sample count divided by the time
// between the two packets, rounded to the nearest Hz.
//
// If pkts holds no such pair, pairRate returns false. A pair whose packets do
// not advance in time yields a rate of 0.
func pairRate(pkts []*reftek.Packet) (float64, bool) {
	for i, first := range pkts {
		if first.Type != reftek.TypeDT {
			continue
		}
		for _, second := range pkts[i+1:] {
			if second.Type != reftek.TypeDT || second.Channel != first.Channel {
				continue
			}

			elapsed := timeutil.Seconds(second.Time.Sub(first.Time))
			if elapsed <= 0 || first.Samples == 0 {
				return 0, true
			}
			return math.Round(float64(first.Samples) / elapsed), true
		}
	}
	return 0, false
}

// deriveRate derives a legal sampling rate from pkts.
//
// Each pair of packets that yields an illegal rate discards the oldest packet
// in pkts, and the search is repeated. deriveRate returns the number of
// packets discarded this way, whether or not a rate was found.
func deriveRate(pkts []*reftek.Packet) (rate float64, discards int, ok bool) {
	for len(pkts) > 0 {
		r, found := pairRate(pkts)
		if !found {
			break
		}
		if reftek.IsLegalRate(r) {
			return r, discards, true
		}
		pkts = pkts[1:]
		discards++
	}
	return 0, discards, false
}

// stashLocked holds pkt until s's sampling rate is known.
//
// If pkt allows a rate to be derived, the stash is flushed through
// writePacketLocked. If the stash fills, or too many packets had to be
// discarded, without a rate being found, the stash is dropped and
// ErrNoRateDerivable is returned.
func (a *Archive) stashLocked(s *stream, pkt *reftek.Packet) error {
	s.stash = append(s.stash, pkt)
	packetsStashed.Inc()

	rate, discards, ok := deriveRate(s.stash)
	if discards > 0 {
		a.logger.Debugf("Discarded %d stashed packet(s) for %04X/%d with no legal rate.",
			discards, s.unit, s.number)
		s.stash = s.stash[discards:]
		s.stashDiscards += discards
	}
	if ok {
		a.logger.Infof("Derived sampling rate %g Hz for %04X/%d.", rate, s.unit, s.number)
		s.rate = rate
		return a.flushStashLocked(s)
	}

	if len(s.stash) >= stashCapacity || s.stashDiscards >= stashCapacity {
		a.logger.Warnf("Dropping %d stashed packet(s) for %04X/%d: no sampling rate could be derived.",
			len(s.stash), s.unit, s.number)
		rateFailures.Inc()
		s.stash, s.stashDiscards = nil, 0
		return ErrNoRateDerivable
	}
	return nil
}

// flushStashLocked writes s's stashed packets in order. On failure, the
// unwritten packets remain stashed.
func (a *Archive) flushStashLocked(s *stream) error {
	for i, pkt := range s.stash {
		if err := a.writePacketLocked(s, pkt); err != nil {
			s.stash = s.stash[i:]
			return err
		}
	}
	s.stash, s.stashDiscards = nil, 0
	return nil
}
