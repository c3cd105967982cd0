// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package deviceauth

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// SweepInterval is how often the janitor expires overdue sessions.
const SweepInterval = 30 * time.Second

// Janitor periodically sweeps expired sessions off the store.
type Janitor struct {
	service  *Service
	clock    clock.Clock
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor builds a janitor over the service with the default sweep
// interval.
func NewJanitor(service *Service) *Janitor {
	return &Janitor{
		service:  service,
		clock:    clock.New(),
		interval: SweepInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetClock replaces the ticker clock. Test hook.
func (j *Janitor) SetClock(c clock.Clock) { j.clock = c }

// SetInterval overrides the sweep interval. Test hook.
func (j *Janitor) SetInterval(d time.Duration) { j.interval = d }

// Start launches the sweep loop.
func (j *Janitor) Start() {
	go j.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.service.Sweep(context.Background())
		case <-j.stop:
			return
		}
	}
}
