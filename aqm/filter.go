// Copyright (c) 2016 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Ported from:
// https://github.com/google/quiche/blob/main/quiche/quic/core/congestion_control/windowed_filter.h

package aqm

import "time"

const minRTTWindow = 10 * time.Second

type timedSample struct {
	value time.Duration
	at    time.Time
}

// windowedMin tracks the minimum of a sample stream over a sliding time
// window. It keeps the best, second best and third best samples with
// non-decreasing timestamps (Kathleen Nichols' algorithm), so an expired
// minimum is replaced without storing every sample.
type windowedMin struct {
	window      time.Duration
	estimates   [3]timedSample
	initialized bool
}

func newWindowedMin(window time.Duration) windowedMin {
	return windowedMin{window: window}
}

func (f *windowedMin) Update(value time.Duration, now time.Time) {
	if !f.initialized || value <= f.estimates[0].value || now.Sub(f.estimates[2].at) > f.window {
		f.Reset(value, now)
		return
	}
	current := timedSample{value: value, at: now}
	if value <= f.estimates[1].value {
		f.estimates[1] = current
		f.estimates[2] = current
	} else if value <= f.estimates[2].value {
		f.estimates[2] = current
	}

	if now.Sub(f.estimates[0].at) > f.window {
		f.estimates[0] = f.estimates[1]
		f.estimates[1] = f.estimates[2]
		f.estimates[2] = current
		if now.Sub(f.estimates[0].at) > f.window {
			f.estimates[0] = f.estimates[1]
			f.estimates[1] = f.estimates[2]
		}
		return
	}
	// a quarter window without a better sample: refresh the second best
	if f.estimates[1].value == f.estimates[0].value && now.Sub(f.estimates[1].at) > f.window/4 {
		f.estimates[1] = current
		f.estimates[2] = current
		return
	}
	if f.estimates[2].value == f.estimates[1].value && now.Sub(f.estimates[2].at) > f.window/2 {
		f.estimates[2] = current
	}
}

func (f *windowedMin) Reset(value time.Duration, now time.Time) {
	sample := timedSample{value: value, at: now}
	f.estimates = [3]timedSample{sample, sample, sample}
	f.initialized = true
}

// Best returns the windowed minimum, or zero before the first sample.
func (f *windowedMin) Best() time.Duration {
	if !f.initialized {
		return 0
	}
	return f.estimates[0].value
}
