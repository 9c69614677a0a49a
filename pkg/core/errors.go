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
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoMatch             = errors.New("no matching filter")
	ErrMultipleMatches     = errors.New("request/reply message matched more than one endpoint list")
	ErrBackupInTransaction = errors.New("backup endpoints are not supported for transactional messages")
	ErrSessionFatal        = errors.New("session fatal error")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionCompleted    = errors.New("session already completed")
	ErrUnknownEndpoint     = errors.New("unknown endpoint")

	ErrCommunication = errors.New("communication error")
	ErrTimeout       = errors.New("timeout")

	// The following are communication errors with their own failover rules.
	ErrChannelFaulted   = fmt.Errorf("%w: channel aborted or faulted", ErrCommunication)
	ErrEndpointNotFound = fmt.Errorf("%w: endpoint not found", ErrCommunication)
	ErrMessageSecurity  = fmt.Errorf("%w: message security", ErrCommunication)
)

type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassCommunication
	ClassChannelFaulted
	ClassEndpointNotFound
	ClassMessageSecurity
	ClassTimeout
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCommunication:
		return "communication"
	case ClassChannelFaulted:
		return "channel_faulted"
	case ClassEndpointNotFound:
		return "endpoint_not_found"
	case ClassMessageSecurity:
		return "message_security"
	case ClassTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// Recoverable reports whether errors of this class are eligible for
// same-endpoint retry or failover.
func (c ErrorClass) Recoverable() bool {
	return c != ClassFatal
}

// Classify maps an error onto the failover taxonomy. The most specific
// class wins; anything unrecognised is fatal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, ErrEndpointNotFound):
		return ClassEndpointNotFound
	case errors.Is(err, ErrMessageSecurity):
		return ClassMessageSecurity
	case errors.Is(err, ErrChannelFaulted):
		return ClassChannelFaulted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrCommunication):
		return ClassCommunication
	default:
		return ClassFatal
	}
}

// Communication wraps a transport error as a communication error.
func Communication(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCommunication, op, err)
}

func EndpointNotFound(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEndpointNotFound, op, err)
}

func ChannelFaulted(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChannelFaulted, op, err)
}

func MessageSecurity(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMessageSecurity, op, err)
}

func Timeout(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
}
