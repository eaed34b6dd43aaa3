package gateway

import (
	"context"
)

// localConn is a Conn to an in-process Gateway.
type localConn struct {
	Gateway
}

func (localConn) Close() error {
	return nil
}

// LocalDialer returns a Dialer for an in-process Gateway (e.g. a Broker running in the same process).
func LocalDialer(gw Gateway) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return localConn{gw}, nil
	}
}
