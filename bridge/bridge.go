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

// Package bridge connects signal event listeners to an MQTT broker.
//
// The bridge is an engine.EventSubscriptionService: when a signal
// listener arms, the bridge subscribes to TopicPrefix+eventName; when a
// message arrives there, every listening instance gets an Occur.  A JSON
// object payload is overlaid onto the case variables first, so a signal
// can carry data.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/expr"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Bridge struct {
	// TopicPrefix is prepended to event names to form broker topics.
	TopicPrefix string

	// QoS for subscriptions and publishes.
	QoS byte

	// Quiesce is the disconnection quiescence in milliseconds.
	Quiesce uint

	// Logf defaults to log.Printf.
	Logf func(format string, args ...interface{})

	client mqtt.Client
	eng    *engine.Engine

	sync.Mutex
	// subs maps event name to the listening correlations, keyed by
	// scope/subscope.
	subs map[string]map[string]engine.Correlation
}

// NewBridge makes a Bridge for a broker URL like "tcp://localhost:1883".
// Call Start before arming any listeners.
func NewBridge(eng *engine.Engine, brokerURL, clientID string) *Bridge {
	b := &Bridge{
		TopicPrefix: "docket/signal/",
		Quiesce:     100,
		eng:         eng,
		subs:        make(map[string]map[string]engine.Correlation, 8),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.AutoReconnect = true
	opts.DefaultPublishHandler = func(client mqtt.Client, msg mqtt.Message) {
		b.inHandler(context.Background(), msg)
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		b.logf("bridge: connection lost: %v", err)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *Bridge) logf(format string, args ...interface{}) {
	if b.Logf != nil {
		b.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Start connects to the broker.
func (b *Bridge) Start(ctx context.Context) error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	b.logf("bridge: connected")
	return nil
}

// Stop disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	b.client.Disconnect(b.Quiesce)
	return nil
}

func key(c engine.Correlation) string {
	return c.ScopeID + "/" + c.SubScopeID
}

// Create subscribes a signal listener instance to its event's topic.
func (b *Bridge) Create(ctx context.Context, c engine.Correlation, eventName string) error {
	b.Lock()
	listeners, have := b.subs[eventName]
	if !have {
		listeners = make(map[string]engine.Correlation, 4)
		b.subs[eventName] = listeners
	}
	listeners[key(c)] = c
	first := len(listeners) == 1
	b.Unlock()

	if !first {
		return nil
	}
	topic := b.TopicPrefix + eventName
	b.logf("bridge: subscribing to %s", topic)
	if t := b.client.Subscribe(topic, b.QoS, nil); t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

// Delete removes an instance's subscription, unsubscribing from the
// broker when nobody is left listening.
func (b *Bridge) Delete(ctx context.Context, c engine.Correlation) error {
	b.Lock()
	var drop []string
	for eventName, listeners := range b.subs {
		if _, have := listeners[key(c)]; !have {
			continue
		}
		delete(listeners, key(c))
		if len(listeners) == 0 {
			delete(b.subs, eventName)
			drop = append(drop, eventName)
		}
	}
	b.Unlock()

	for _, eventName := range drop {
		topic := b.TopicPrefix + eventName
		b.logf("bridge: unsubscribing from %s", topic)
		if t := b.client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
			return t.Error()
		}
	}
	return nil
}

// PublishEvent emits a signal, for cases (or anything else) that want to
// talk back over the same broker.
func (b *Bridge) PublishEvent(ctx context.Context, eventName string, payload interface{}) error {
	js, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.TopicPrefix+eventName, b.QoS, false, js)
	token.Wait()
	return token.Error()
}

// inHandler routes a broker message to every listening instance.
func (b *Bridge) inHandler(ctx context.Context, msg mqtt.Message) {
	eventName := strings.TrimPrefix(msg.Topic(), b.TopicPrefix)
	b.logf("bridge: incoming %s", eventName)

	var vars expr.Bindings
	var x interface{}
	if err := json.Unmarshal(msg.Payload(), &x); err == nil {
		if m, is := x.(map[string]interface{}); is {
			vars = expr.Bindings(m)
		}
	}

	b.Lock()
	listeners := make([]engine.Correlation, 0, len(b.subs[eventName]))
	for _, c := range b.subs[eventName] {
		listeners = append(listeners, c)
	}
	b.Unlock()

	for _, c := range listeners {
		if vars != nil {
			if _, err := b.eng.SetVariables(ctx, c.ScopeID, vars); err != nil {
				b.logf("bridge: set variables for %s: %v", c.ScopeID, err)
				continue
			}
		}
		if _, err := b.eng.Occur(ctx, c.ScopeID, c.SubScopeID); err != nil {
			// The instance may have ended since it subscribed.
			b.logf("bridge: occur for %s: %v", key(c), err)
		}
	}
}
