package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"storepulse/internal/api"
	"storepulse/internal/store"
)

// Checker verifies connectivity to every external collaborator before a
// session: the analytics backend, the hosted query API and the change channel
type Checker struct {
	api    *api.Client
	store  *store.Client
	logger *logrus.Logger
}

// NewChecker creates a new preflight checker
func NewChecker(apiClient *api.Client, storeClient *store.Client, logger *logrus.Logger) *Checker {
	return &Checker{
		api:    apiClient,
		store:  storeClient,
		logger: logger,
	}
}

// Run performs all checks and reports every failure at once
func (c *Checker) Run(ctx context.Context) error {
	var failures []string

	if status, err := c.api.SyncStatus(ctx); err != nil {
		failures = append(failures, fmt.Sprintf("backend API: %v", err))
	} else {
		c.logger.Infof("Backend API reachable (pipeline %s)", status.State)
	}

	if err := c.store.Ping(ctx); err != nil {
		failures = append(failures, fmt.Sprintf("store query API: %v", err))
	} else {
		c.logger.Info("Store query API reachable, key accepted")
	}

	if !c.store.IsConnected() {
		failures = append(failures, "change channel: not connected")
	} else {
		c.logger.Info("Change channel connected")
	}

	if len(failures) > 0 {
		return fmt.Errorf("preflight failed: %s", strings.Join(failures, "; "))
	}

	c.logger.Info("All connectivity checks passed")
	return nil
}
