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

package main

import (
	"context"
	"log"
	"path/filepath"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/model"
	"github.com/caseworks/docket/storage"
	"github.com/caseworks/docket/storage/bolt"
	"github.com/caseworks/docket/timers"

	_ "github.com/caseworks/docket/expr/goja"
)

// Service hosts one engine plus its services: the case store, the timer
// and worker-job service, and (optionally) the signal bridge.
type Service struct {
	Tracing bool

	eng   *engine.Engine
	store *bolt.Store
	jobs  *timers.Service

	// ops is the firehose: every operation the service performs, for
	// WebSocket subscribers.
	ops chan interface{}
}

// NewService loads case definitions from defsDir (*.yaml), opens the
// store (dbFile may be empty for no persistence), and restores whatever
// cases the store holds.
func NewService(ctx context.Context, defsDir, dbFile string) (*Service, error) {
	s := &Service{
		eng: engine.NewEngine(),
	}

	s.jobs = timers.NewService(func(ctx context.Context, c engine.Correlation) error {
		_, err := s.eng.FireTimer(ctx, c)
		if err != nil {
			return err
		}
		return s.save(ctx, c.ScopeID)
	})
	s.eng.Jobs = s.jobs

	filenames, err := filepath.Glob(filepath.Join(defsDir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, filename := range filenames {
		def, err := model.ReadFile(ctx, filename, nil)
		if err != nil {
			return nil, err
		}
		if err := s.eng.RegisterDef(def); err != nil {
			return nil, err
		}
		log.Printf("loaded definition %q from %s", def.Name, filename)
	}

	if dbFile != "" {
		store, err := bolt.NewStore(dbFile)
		if err != nil {
			return nil, err
		}
		if err := store.Open(); err != nil {
			return nil, err
		}
		s.store = store

		cis, err := storage.RestoreAll(ctx, store, s.eng)
		if err != nil {
			return nil, err
		}
		if 0 < len(cis) {
			log.Printf("restored %d cases", len(cis))
		}
	}

	return s, nil
}

func (s *Service) Close(ctx context.Context) error {
	if err := s.jobs.Shutdown(); err != nil {
		return err
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// save persists one case after a command touched it.
func (s *Service) save(ctx context.Context, caseID string) error {
	if s.store == nil {
		return nil
	}
	ci, err := s.eng.CaseByID(caseID)
	if err != nil {
		return err
	}
	return storage.SaveCase(ctx, s.store, ci)
}

// op forwards an operation record to the firehose, dropping it if
// nobody's listening fast enough.
func (s *Service) op(ctx context.Context, x interface{}) {
	if s.ops == nil {
		return
	}
	select {
	case s.ops <- x:
	default:
		log.Printf("ops firehose full; dropping")
	}
}
