/* Copyright 2026 Caseworks

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package timers is an in-process job service: one goroutine per pending
// timer, and a simple per-topic board for external worker jobs.
//
// Everything here is lost on restart.  A deployment that persists cases
// (see the storage package) should reschedule timers from the restored
// instances.
package timers

// ToDo: durable timers backed by the case store.

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/expr"
)

// Fired is called when a timer comes due.
type Fired func(ctx context.Context, c engine.Correlation) error

var NotFound = errors.New("not found")

type entry struct {
	c   engine.Correlation
	at  time.Time
	ctl chan bool
}

// WorkerJob is one unit of external work, claimable by topic.
type WorkerJob struct {
	Correlation engine.Correlation `json:"correlation"`
	Topic       string             `json:"topic"`
	Scope       expr.Bindings      `json:"scope,omitempty"`
}

// Service implements engine.JobService in memory.
type Service struct {
	// Errors, when set, receives asynchronous firing errors; otherwise
	// they go to the standard logger.
	Errors chan error

	sync.Mutex

	fire   Fired
	timers map[string]*entry
	jobs   map[string][]*WorkerJob
	ctl    chan bool
}

// NewService makes a Service that reports due timers via fire.
func NewService(fire Fired) *Service {
	return &Service{
		fire:   fire,
		timers: make(map[string]*entry, 32),
		jobs:   make(map[string][]*WorkerJob, 8),
		ctl:    make(chan bool),
	}
}

func key(c engine.Correlation) string {
	return c.ScopeID + "/" + c.SubScopeID
}

// ScheduleTimerJob arms a timer for the given correlation.  Scheduling
// again for the same correlation replaces the previous timer.
func (s *Service) ScheduleTimerJob(ctx context.Context, c engine.Correlation, due time.Time) error {
	s.Lock()
	defer s.Unlock()

	id := key(c)
	if old, have := s.timers[id]; have {
		close(old.ctl)
	}

	e := &entry{
		c:   c,
		at:  due,
		ctl: make(chan bool),
	}
	s.timers[id] = e

	go func() {
		timer := time.NewTimer(time.Until(e.at))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.remove(id, e)
		case <-e.ctl:
			// Cancelled (or replaced).
		case <-s.ctl:
			s.remove(id, e)
		case <-timer.C:
			s.remove(id, e)
			if err := s.fire(context.Background(), e.c); err != nil {
				s.err(err)
			}
		}
	}()

	return nil
}

// CancelTimerJob disarms the correlation's timer, if any is pending.
func (s *Service) CancelTimerJob(ctx context.Context, c engine.Correlation) error {
	s.Lock()
	defer s.Unlock()

	id := key(c)
	e, have := s.timers[id]
	if !have {
		return nil
	}
	delete(s.timers, id)
	close(e.ctl)
	return nil
}

// CreateExternalWorkerJob posts a job to the topic's board.
func (s *Service) CreateExternalWorkerJob(ctx context.Context, c engine.Correlation, topic string, scope expr.Bindings) error {
	s.Lock()
	s.jobs[topic] = append(s.jobs[topic], &WorkerJob{
		Correlation: c,
		Topic:       topic,
		Scope:       scope,
	})
	s.Unlock()
	return nil
}

// ClaimJob takes the oldest job on a topic, or returns NotFound.  The
// claiming worker reports its result via Engine.Trigger using the job's
// correlation.
func (s *Service) ClaimJob(topic string) (*WorkerJob, error) {
	s.Lock()
	defer s.Unlock()

	board := s.jobs[topic]
	if len(board) == 0 {
		return nil, NotFound
	}
	job := board[0]
	s.jobs[topic] = board[1:]
	return job, nil
}

// Pending reports the number of pending timers.
func (s *Service) Pending() int {
	s.Lock()
	n := len(s.timers)
	s.Unlock()
	return n
}

// Shutdown stops every pending timer goroutine.
func (s *Service) Shutdown() error {
	close(s.ctl)
	return nil
}

func (s *Service) remove(id string, e *entry) {
	s.Lock()
	if cur, have := s.timers[id]; have && cur == e {
		delete(s.timers, id)
	}
	s.Unlock()
}

func (s *Service) err(err error) {
	if s.Errors != nil {
		s.Errors <- err
	} else {
		log.Println(err)
	}
}
