// MockConn / MockDialer 的 ClickHouse 客户端测试模拟实现。
//
// 支持按查询前缀脚本化响应、建连失败注入与延迟模拟。
package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/chguard/internal/chclient"
)

// ErrMockConnRefused 默认的建连失败错误
var ErrMockConnRefused = errors.New("dial tcp 127.0.0.1:9000: connect: connection refused")

// --- MockConn ---

type queryResponse struct {
	prefix string
	rows   []chclient.Row
	err    error
}

// MockConn 是 chclient.Conn 的模拟实现
type MockConn struct {
	mu sync.Mutex

	ID int

	pingErr   error
	pingDelay time.Duration
	closeErr  error
	execErr   error
	responses []queryResponse
	queryFunc func(ctx context.Context, query string, args ...any) ([]chclient.Row, error)

	// 调用记录
	pings   int
	queries []string
	execs   []string
	closed  bool
}

// NewMockConn 创建新的 MockConn，默认对 SELECT version() 返回固定版本
func NewMockConn() *MockConn {
	return &MockConn{
		responses: []queryResponse{
			{prefix: "SELECT version()", rows: []chclient.Row{{"version()": "24.3.1.2672"}}},
		},
	}
}

// WithPingError 设置 Ping 返回错误
func (c *MockConn) WithPingError(err error) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
	return c
}

// WithPingDelay 设置 Ping 延迟（遵守 ctx 取消）
func (c *MockConn) WithPingDelay(d time.Duration) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingDelay = d
	return c
}

// WithCloseError 设置 Close 返回错误
func (c *MockConn) WithCloseError(err error) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
	return c
}

// WithExecError 设置 Exec 返回错误
func (c *MockConn) WithExecError(err error) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr = err
	return c
}

// WithQueryResponse 为以 prefix 开头的查询设置返回行，后设置的优先
func (c *MockConn) WithQueryResponse(prefix string, rows []chclient.Row) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append([]queryResponse{{prefix: prefix, rows: rows}}, c.responses...)
	return c
}

// WithQueryError 为以 prefix 开头的查询设置错误
func (c *MockConn) WithQueryError(prefix string, err error) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append([]queryResponse{{prefix: prefix, err: err}}, c.responses...)
	return c
}

// WithQueryFunc 设置自定义查询函数，优先于脚本化响应
func (c *MockConn) WithQueryFunc(fn func(ctx context.Context, query string, args ...any) ([]chclient.Row, error)) *MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryFunc = fn
	return c
}

// Ping 实现 chclient.Conn
func (c *MockConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	c.pings++
	delay, err := c.pingDelay, c.pingErr
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Query 实现 chclient.Conn
func (c *MockConn) Query(ctx context.Context, query string, args ...any) ([]chclient.Row, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	fn := c.queryFunc
	responses := c.responses
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, args...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(query)
	for _, r := range responses {
		if strings.HasPrefix(trimmed, r.prefix) {
			return r.rows, r.err
		}
	}
	return nil, nil
}

// Exec 实现 chclient.Conn
func (c *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.execErr
}

// Close 实现 chclient.Conn
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

// Closed 返回是否已关闭
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pings 返回 Ping 调用次数
func (c *MockConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Queries 返回已执行的查询
func (c *MockConn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// Execs 返回已执行的语句
func (c *MockConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

// --- MockDialer ---

// MockDialer 是 chclient.Dialer 的模拟实现
type MockDialer struct {
	mu sync.Mutex

	err       error
	failFirst int
	delay     time.Duration
	factory   func(n int) *MockConn
	openFunc  func(ctx context.Context, n int) (chclient.Conn, error)

	calls int
	conns []*MockConn
}

// NewMockDialer 创建新的 MockDialer，默认每次返回新的 MockConn
func NewMockDialer() *MockDialer {
	return &MockDialer{
		factory: func(int) *MockConn { return NewMockConn() },
	}
}

// WithError 设置每次建连都返回错误
func (d *MockDialer) WithError(err error) *MockDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	return d
}

// WithFailFirst 设置前 n 次建连失败，之后成功
func (d *MockDialer) WithFailFirst(n int, err error) *MockDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFirst = n
	d.err = err
	return d
}

// WithDelay 设置建连延迟（遵守 ctx 取消）
func (d *MockDialer) WithDelay(delay time.Duration) *MockDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
	return d
}

// WithConnFactory 设置连接构造函数，n 为第几次成功建连（从 1 开始）
func (d *MockDialer) WithConnFactory(fn func(n int) *MockConn) *MockDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factory = fn
	return d
}

// WithOpenFunc 设置自定义建连函数，n 为调用序号（从 1 开始）
func (d *MockDialer) WithOpenFunc(fn func(ctx context.Context, n int) (chclient.Conn, error)) *MockDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openFunc = fn
	return d
}

// OpenDirect 实现 chclient.Dialer
func (d *MockDialer) OpenDirect(ctx context.Context) (chclient.Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	delay := d.delay
	openFunc := d.openFunc
	var err error
	if d.err != nil && (d.failFirst == 0 || n <= d.failFirst) {
		err = d.err
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if openFunc != nil {
		return openFunc(ctx, n)
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn := d.factory(len(d.conns) + 1)
	conn.ID = len(d.conns) + 1
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Calls 返回 OpenDirect 调用次数
func (d *MockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Conns 返回已创建的连接
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// OpenConns 返回尚未关闭的连接数
func (d *MockDialer) OpenConns() int {
	n := 0
	for _, c := range d.Conns() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

var (
	_ chclient.Conn   = (*MockConn)(nil)
	_ chclient.Dialer = (*MockDialer)(nil)
)
