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

// docketd serves registered case definitions over WebSockets, with
// optional Bolt persistence and an optional MQTT signal bridge.
//
// Example:
//
//	docketd -s defs -d cases.db -h :8080 -mq tcp://localhost:1883
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/caseworks/docket/bridge"
)

func main() {

	var (
		dbFile  = flag.String("d", "cases.db", "storage filename (empty for none)")
		defsDir = flag.String("s", "defs", "case definitions directory")

		httpAddr = flag.String("h", ":8080", "HTTP address for the WebSocket service")

		brokerURL = flag.String("mq", "", "MQTT broker URL for the signal bridge (empty for none)")
		clientID  = flag.String("mq-id", "docketd", "MQTT client id")

		listenOnStdin = flag.Bool("I", false, "listen for ops on stdin")

		tracing = flag.Bool("v", false, "log lots of wonderful things")
	)

	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewService(ctx, *defsDir, *dbFile)
	if err != nil {
		panic(err)
	}
	s.Tracing = *tracing
	s.eng.Tracing = *tracing
	defer s.Close(ctx) // ToDo: Check error.

	if *brokerURL != "" {
		b := bridge.NewBridge(s.eng, *brokerURL, *clientID)
		if err := b.Start(ctx); err != nil {
			panic(err)
		}
		s.eng.Subs = b
		defer b.Stop(ctx)
	}

	if *listenOnStdin {
		go func() {
			if err := s.Listener(ctx, bufio.NewReader(os.Stdin), os.Stdout); err != nil {
				log.Printf("Service.Listener error %s", err)
			}
			cancel()
		}()
	}

	if err := s.WebSocketService(ctx); err != nil {
		panic(err)
	}

	log.Printf("docketd listening on %s", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, nil); err != nil {
		panic(err)
	}
}

// Listener reads one JSON SOp per line and writes the result back.
func (s *Service) Listener(ctx context.Context, in *bufio.Reader, out io.Writer) error {
	for {
		line, err := in.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(line) <= 1 {
			continue
		}

		var op SOp
		if err := json.Unmarshal(line, &op); err != nil {
			fmt.Fprintf(out, "can't parse: %v\n", err)
			continue
		}
		if err := op.Do(ctx, s); err != nil && s.Tracing {
			log.Printf("op error %v", err)
		}
		js, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", js)
	}
}
