package netclient

import (
	"context"
	"fmt"
	"time"
)

// CommandsClient implements the Commands poller (spec.md §4.7): GET
// /commands/<device_id>/poll, and POST /commands/<device_id>/result with
// the execution outcome.
type CommandsClient struct {
	t            *Transport
	mutexTimeout time.Duration
}

func NewCommandsClient(t *Transport, mutexTimeout time.Duration) *CommandsClient {
	return &CommandsClient{t: t, mutexTimeout: mutexTimeout}
}

// Poll returns (cmd, true, nil) if a command is pending, or (_, false, nil)
// on 204 "no command".
func (c *CommandsClient) Poll(ctx context.Context) (Command, bool, error) {
	var cmd Command
	status, err := c.t.Do(ctx, CategoryCommand, c.mutexTimeout, "GET",
		fmt.Sprintf("/commands/%s/poll", c.t.DeviceID), nil, &cmd, true)
	if err != nil {
		return Command{}, false, err
	}
	if status == 204 {
		return Command{}, false, nil
	}
	return cmd, true, nil
}

func (c *CommandsClient) Result(ctx context.Context, result CommandResult) error {
	_, err := c.t.Do(ctx, CategoryCommand, c.mutexTimeout, "POST",
		fmt.Sprintf("/commands/%s/result", c.t.DeviceID), result, nil, false)
	return err
}
