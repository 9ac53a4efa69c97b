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

package jms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

// Sink sends field changes to an AMQP 1.0 address, for brokers fronting JMS
// queues such as ActiveMQ Artemis.
type Sink struct {
	name     string
	url      string
	address  string
	conn     *amqp.Conn
	sendSess *amqp.Session
	sender   *amqp.Sender
	logger   *slog.Logger
}

func New(name, url, address string, logger *slog.Logger) *Sink {
	return &Sink{
		name:    name,
		url:     url,
		address: address,
		logger:  logger,
	}
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "jms" }

func (s *Sink) Connect(ctx context.Context) error {
	if s.address == "" {
		return fmt.Errorf("jms sink %s: queue is required", s.name)
	}

	var err error
	s.conn, err = amqp.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("jms dial: %w", err)
	}

	s.sendSess, err = s.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("jms send session: %w", err)
	}
	s.sender, err = s.sendSess.NewSender(ctx, s.address, nil)
	if err != nil {
		return fmt.Errorf("jms sender: %w", err)
	}

	s.logger.Info("jms sink connected", "name", s.name, "address", s.address)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.sender != nil {
		s.sender.Close(ctx)
	}
	if s.sendSess != nil {
		s.sendSess.Close(ctx)
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Publish(ctx context.Context, change core.FieldChange) error {
	if s.sender == nil {
		return nil
	}
	msg, err := Message(change)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, msg, nil)
}

// Message renders a change as a durable AMQP message with a JSON body.
func Message(change core.FieldChange) (*amqp.Message, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("jms encode %s/%s: %w", change.Device, change.Field, err)
	}
	contentType := "application/json"
	return &amqp.Message{
		Header: &amqp.MessageHeader{Durable: true},
		Data:   [][]byte{body},
		Properties: &amqp.MessageProperties{
			MessageID:   uuid.New().String(),
			ContentType: &contentType,
			Subject:     &change.Field,
		},
		ApplicationProperties: map[string]any{
			"device": change.Device,
			"source": string(change.Source),
		},
	}, nil
}
