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

package core

import (
	"errors"
	"fmt"
)

var (
	ErrTransport      = errors.New("transport error")
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("request timed out")
	ErrAuthExpired    = errors.New("authentication expired")
	ErrRejected       = errors.New("request rejected")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEngineClosed   = errors.New("session engine closed")
	ErrCredentials    = errors.New("credential provider failed")
	ErrInvalidRequest = errors.New("invalid request")
	ErrSinkNotFound   = errors.New("sink not found")
)

// StatusError is returned when the backend answers a request with a non-200
// status. It matches ErrAuthExpired for 401 and ErrRejected otherwise.
type StatusError struct {
	Type      MessageType
	MessageID int64
	Status    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (message_id=%d) failed with status %d", e.Type, e.MessageID, e.Status)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Status == StatusUnauthorized
	case ErrRejected:
		return e.Status != StatusUnauthorized
	}
	return false
}

// ClientError reports whether the status is in the 400 class, excluding 401.
func (e *StatusError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != StatusUnauthorized
}
