package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type commandContext struct {
	apiURL  string
	owner   string
	jsonOut bool
	timeout time.Duration
}

func (c *commandContext) client() (*apiClient, error) {
	if strings.TrimSpace(c.owner) == "" {
		return nil, errors.New("no owner: pass --owner or set CLIPFORGE_OWNER")
	}
	return newAPIClient(c.apiURL, c.owner, c.timeout), nil
}

// output prints v as JSON with --json, otherwise calls table.
func (c *commandContext) output(cmd *cobra.Command, v any, table func() error) error {
	if c.jsonOut {
		return writeJSON(cmd, v)
	}
	return table()
}
