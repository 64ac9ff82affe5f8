// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue is the entry point of the messaging library. A Manager holds
// the named brokers a process talks to and hands out a role Factory for each.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/intrbiz/util-sub000/messaging"
	rabbitmqTransport "github.com/intrbiz/util-sub000/transports/rabbitmq"
)

var (
	ErrEmptyName       = errors.New("queue: broker name is empty")
	ErrDuplicateBroker = errors.New("queue: broker already registered")
	ErrUnknownBroker   = errors.New("queue: unknown broker")
	ErrNoBrokers       = errors.New("queue: no broker registered")
	ErrManagerClosed   = errors.New("queue: manager is closed")
)

// Manager is an explicit registry of named broker pools. It is built once at
// process start and passed to whatever needs to create roles.
type Manager struct {
	logger    *slog.Logger
	lifecycle []messaging.LifecycleOption

	mu        sync.RWMutex
	names     []string
	pools     map[string]messaging.BrokerConnectionPool
	factories map[string]*messaging.Factory
	closed    bool
}

type managerConfig struct {
	logger    *slog.Logger
	lifecycle []messaging.LifecycleOption
}

// ManagerOption configures a Manager
type ManagerOption func(*managerConfig)

// WithLogger sets the logger for the manager and every role it creates
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(cfg *managerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithLifecycleOptions applies opts to every role of every registered broker
func WithLifecycleOptions(opts ...messaging.LifecycleOption) ManagerOption {
	return func(cfg *managerConfig) {
		cfg.lifecycle = append(cfg.lifecycle, opts...)
	}
}

// NewManager creates an empty manager
func NewManager(options ...ManagerOption) *Manager {
	cfg := &managerConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Manager{
		logger:    cfg.logger,
		lifecycle: append([]messaging.LifecycleOption{messaging.WithLogger(cfg.logger)}, cfg.lifecycle...),
		pools:     make(map[string]messaging.BrokerConnectionPool),
		factories: make(map[string]*messaging.Factory),
	}
}

// Register adds a broker under name. The manager owns the pool from here on
// and closes it in Close. Extra options apply to this broker's roles only.
func (m *Manager) Register(name string, pool messaging.BrokerConnectionPool, opts ...messaging.LifecycleOption) error {
	if name == "" {
		return ErrEmptyName
	}
	if pool == nil {
		return fmt.Errorf("%w: nil pool for broker %q", messaging.ErrInvalidConfiguration, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBroker, name)
	}

	factoryOpts := make([]messaging.LifecycleOption, 0, len(m.lifecycle)+len(opts))
	factoryOpts = append(factoryOpts, m.lifecycle...)
	factoryOpts = append(factoryOpts, opts...)

	m.names = append(m.names, name)
	m.pools[name] = pool
	m.factories[name] = messaging.NewFactory(pool, factoryOpts...)

	m.logger.Info("broker registered", "broker", name)
	return nil
}

// RegisterRabbitMQ registers an AMQP broker reachable at url
func (m *Manager) RegisterRabbitMQ(name, url string, opts ...rabbitmqTransport.PoolOption) error {
	opts = append([]rabbitmqTransport.PoolOption{rabbitmqTransport.WithLogger(m.logger)}, opts...)
	return m.Register(name, rabbitmqTransport.NewPool(url, opts...))
}

// Factory returns the role factory of a registered broker
func (m *Manager) Factory(name string) (*messaging.Factory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	f, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	return f, nil
}

// DefaultFactory returns the factory of the first registered broker
func (m *Manager) DefaultFactory() (*messaging.Factory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if len(m.names) == 0 {
		return nil, ErrNoBrokers
	}
	return m.factories[m.names[0]], nil
}

// Names returns the registered broker names in registration order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.names))
	copy(names, m.names)
	return names
}

// Close closes every factory, and with it every role, then every pool.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	names := m.names
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.factories[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close roles of %s: %w", name, err))
		}
	}
	for _, name := range names {
		if err := m.pools[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker %s: %w", name, err))
		}
	}

	m.logger.Info("manager closed", "brokers", len(names))
	return errors.Join(errs...)
}
