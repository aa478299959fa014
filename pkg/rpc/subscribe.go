package rpc

import "context"

type subscribeParams struct {
	Chain  string   `json:"chain"`
	Events []string `json:"events"`
}

// Subscribe asks the remote to start pushing events for chain.
func Subscribe(ctx context.Context, c Caller, chain string, events []string) error {
	_, err := c.Call(ctx, MethodSubscribe, subscribeParams{Chain: chain, Events: events})
	return err
}

func Unsubscribe(ctx context.Context, c Caller, chain string, events []string) error {
	_, err := c.Call(ctx, MethodUnsubscribe, subscribeParams{Chain: chain, Events: events})
	return err
}
