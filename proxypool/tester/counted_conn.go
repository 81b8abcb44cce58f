package tester

import (
	"context"
	"net"
	"sync/atomic"
)

// countedConn 包装探测连接，原子地累计经过代理的上行和下行字节数。
type countedConn struct {
	net.Conn
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// counting 让 dial 返回的连接计入 Tester 的流量统计。
func (t *Tester) counting(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &countedConn{Conn: conn, uplink: &t.uplink, downlink: &t.downlink}, nil
	}
}

// Traffic 返回自创建以来所有探测累计的上行/下行字节数。
func (t *Tester) Traffic() (up, down uint64) {
	return t.uplink.Load(), t.downlink.Load()
}
