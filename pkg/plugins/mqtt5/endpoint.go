// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package mqtt5

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

const defaultTopicPrefix = "climate"

// Sink publishes every field change as a retained message on
// <prefix>/<device>/<field>, so late subscribers see the last value.
type Sink struct {
	name        string
	brokerURL   string
	topicPrefix string
	cm          *autopaho.ConnectionManager
	logger      *slog.Logger
}

func New(name, brokerURL, topicPrefix string, logger *slog.Logger) *Sink {
	if topicPrefix == "" {
		topicPrefix = defaultTopicPrefix
	}
	return &Sink{
		name:        name,
		brokerURL:   brokerURL,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		logger:      logger,
	}
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "mqtt5" }

func (s *Sink) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(s.brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			s.logger.Info("mqtt5 connection up", "name", s.name)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt5 connect attempt failed", "name", s.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "climate-bridge-" + s.name + "-" + uuid.New().String()[:8],
		},
	}

	s.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}

	if err := s.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	s.logger.Info("mqtt5 sink connected", "name", s.name, "broker", s.brokerURL, "prefix", s.topicPrefix)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.cm != nil {
		return s.cm.Disconnect(ctx)
	}
	return nil
}

func (s *Sink) Publish(ctx context.Context, change core.FieldChange) error {
	if s.cm == nil {
		return nil
	}
	payload, err := json.Marshal(change.Value)
	if err != nil {
		return fmt.Errorf("mqtt5 encode %s/%s: %w", change.Device, change.Field, err)
	}
	_, err = s.cm.Publish(ctx, &paho.Publish{
		Topic:   Topic(s.topicPrefix, change),
		QoS:     1,
		Retain:  true,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
			User: paho.UserProperties{
				{Key: "source", Value: string(change.Source)},
			},
		},
	})
	return err
}

// Topic builds the publish topic. MQTT wildcards and separators in device ids
// are replaced so each field maps to exactly one topic level.
func Topic(prefix string, change core.FieldChange) string {
	return prefix + "/" + topicLevel(change.Device) + "/" + topicLevel(change.Field)
}

var levelReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicLevel(s string) string {
	return levelReplacer.Replace(s)
}
