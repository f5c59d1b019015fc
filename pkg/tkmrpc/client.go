package tkmrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

var (
	ErrClosed  = errors.New("与密钥管理器的连接已关闭")
	ErrTimeout = errors.New("密钥管理器请求超时")
)

// DefaultTimeout 单个请求的默认等待时间
// 超时或 ctx 取消只结束本端的等待，服务端仍会执行完该请求。
// 调用方随后重置的句柄在服务端失效，迟到的派生结果不会被保留
const DefaultTimeout = 5 * time.Second

type ClientOption func(*Client)

// WithTimeout 单个请求的最长等待时间
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client 通过套接字访问远端密钥管理器，实现 tkm.Client
// 多个 IKE SA 可以并发使用同一个 Client，响应按请求 ID 分发
type Client struct {
	conn    net.Conn
	timeout time.Duration
	log     *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	closed    atomic.Bool
	done      chan struct{}
}

var _ tkm.Client = (*Client)(nil)

// Dial 连接 Unix 套接字上的密钥管理器
func Dial(ctx context.Context, path string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("连接密钥管理器 %s 失败: %w", path, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient 在已建立的连接上创建客户端
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		pending: make(map[uint32]chan *Message),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNamed(c.log, "tkmrpc")
	go c.readLoop()
	return c
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.failPending()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("密钥管理器连接中断", zap.Error(err))
				c.closed.Store(true)
				c.conn.Close()
			}
			return
		}
		if msg.Header.Flags&FlagResponse == 0 {
			c.log.Warn("忽略非响应消息", zap.Stringer("op", msg.Header.Op))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		delete(c.pending, msg.Header.RequestID)
		c.pendingMu.Unlock()
		if !ok {
			// 请求已超时放弃
			continue
		}
		ch <- msg
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call 发送请求并等待响应，传输层失败统一归为 ErrDerivation
func (c *Client) call(ctx context.Context, op Op, req, result any) error {
	if c.closed.Load() {
		return tkm.NewError(op.String(), tkm.ErrDerivation, ErrClosed)
	}

	var payload []byte
	if req != nil {
		var err error
		if payload, err = json.Marshal(req); err != nil {
			return tkm.NewError(op.String(), tkm.ErrDerivation, fmt.Errorf("编码请求: %w", err))
		}
	}

	id := c.nextID.Inc()
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := NewMessage(op, id, 0, payload).Write(c.conn)
	c.writeMu.Unlock()
	if err != nil {
		return tkm.NewError(op.String(), tkm.ErrDerivation, fmt.Errorf("发送请求: %w", err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var msg *Message
	select {
	case m, ok := <-ch:
		if !ok {
			return tkm.NewError(op.String(), tkm.ErrDerivation, ErrClosed)
		}
		msg = m
	case <-c.done:
		return tkm.NewError(op.String(), tkm.ErrDerivation, ErrClosed)
	case <-timer.C:
		return tkm.NewError(op.String(), tkm.ErrDerivation, ErrTimeout)
	case <-ctx.Done():
		return tkm.NewError(op.String(), tkm.ErrDerivation, ctx.Err())
	}

	var resp response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return tkm.NewError(op.String(), tkm.ErrDerivation, fmt.Errorf("解码响应: %w", err))
	}
	if !resp.OK {
		return remoteError(op, &resp)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return tkm.NewError(op.String(), tkm.ErrDerivation, fmt.Errorf("解码结果: %w", err))
		}
	}
	return nil
}

// remoteError 按响应中的类型名恢复错误链
func remoteError(op Op, resp *response) error {
	primary, ok := tkm.KindByName(resp.Kind)
	if !ok {
		primary = tkm.ErrDerivation
	}
	var inner error = errors.New(resp.Message)
	for i := len(resp.Kinds) - 1; i >= 0; i-- {
		kind, ok := tkm.KindByName(resp.Kinds[i])
		if !ok || kind == primary {
			continue
		}
		inner = tkm.NewError(op.String(), kind, inner)
	}
	return tkm.NewError(op.String(), primary, inner)
}

func (c *Client) Algorithms(ctx context.Context) (ikev2.AlgorithmSet, error) {
	var set ikev2.AlgorithmSet
	err := c.call(ctx, OpAlgorithms, nil, &set)
	return set, err
}

func (c *Client) NonceCreate(ctx context.Context, length int) (tkm.NcID, []byte, error) {
	var res nonceCreateResult
	if err := c.call(ctx, OpNonceCreate, nonceCreateRequest{Length: length}, &res); err != nil {
		return 0, nil, err
	}
	return tkm.NcID(res.ID), res.Value, nil
}

func (c *Client) NonceReset(ctx context.Context, id tkm.NcID) error {
	return c.call(ctx, OpNonceReset, handleRequest{ID: uint64(id)}, nil)
}

func (c *Client) DhCreate(ctx context.Context, group ikev2.AlgorithmType) (tkm.DhID, error) {
	var res idResult
	if err := c.call(ctx, OpDhCreate, dhCreateRequest{Group: group}, &res); err != nil {
		return 0, err
	}
	return tkm.DhID(res.ID), nil
}

func (c *Client) DhPublicValue(ctx context.Context, id tkm.DhID) ([]byte, error) {
	var res valueResult
	if err := c.call(ctx, OpDhPublicValue, handleRequest{ID: uint64(id)}, &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (c *Client) DhSetPeer(ctx context.Context, id tkm.DhID, value []byte) error {
	return c.call(ctx, OpDhSetPeer, dhSetPeerRequest{ID: uint64(id), Value: value}, nil)
}

func (c *Client) DhReset(ctx context.Context, id tkm.DhID) error {
	return c.call(ctx, OpDhReset, handleRequest{ID: uint64(id)}, nil)
}

func (c *Client) IsaAllocate(ctx context.Context) (tkm.IsaID, error) {
	var res idResult
	if err := c.call(ctx, OpIsaAllocate, nil, &res); err != nil {
		return 0, err
	}
	return tkm.IsaID(res.ID), nil
}

func (c *Client) IsaCreate(ctx context.Context, id tkm.IsaID, p tkm.IsaParams) error {
	return c.call(ctx, OpIsaCreate, isaCreateRequest{ID: uint64(id), Params: p}, nil)
}

func (c *Client) IsaReset(ctx context.Context, id tkm.IsaID) error {
	return c.call(ctx, OpIsaReset, handleRequest{ID: uint64(id)}, nil)
}

func (c *Client) isaData(ctx context.Context, op Op, req isaDataRequest) ([]byte, error) {
	var res valueResult
	if err := c.call(ctx, op, req, &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (c *Client) IsaEncrypt(ctx context.Context, id tkm.IsaID, dir tkm.Direction, assoc, plain []byte) ([]byte, error) {
	return c.isaData(ctx, OpIsaEncrypt, isaDataRequest{ID: uint64(id), Dir: dir, Assoc: assoc, Data: plain})
}

func (c *Client) IsaDecrypt(ctx context.Context, id tkm.IsaID, dir tkm.Direction, assoc, data []byte) ([]byte, error) {
	return c.isaData(ctx, OpIsaDecrypt, isaDataRequest{ID: uint64(id), Dir: dir, Assoc: assoc, Data: data})
}

func (c *Client) IsaSign(ctx context.Context, id tkm.IsaID, dir tkm.Direction, data []byte) ([]byte, error) {
	return c.isaData(ctx, OpIsaSign, isaDataRequest{ID: uint64(id), Dir: dir, Data: data})
}

func (c *Client) IsaVerify(ctx context.Context, id tkm.IsaID, dir tkm.Direction, data, icv []byte) error {
	return c.call(ctx, OpIsaVerify, isaDataRequest{ID: uint64(id), Dir: dir, Data: data, ICV: icv}, nil)
}

func (c *Client) IsaAuth(ctx context.Context, id tkm.IsaID, p tkm.AuthParams) ([]byte, error) {
	var res valueResult
	if err := c.call(ctx, OpIsaAuth, isaAuthRequest{ID: uint64(id), Params: p}, &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (c *Client) EsaCreate(ctx context.Context, p tkm.EsaParams) (tkm.EsaID, error) {
	var res idResult
	if err := c.call(ctx, OpEsaCreate, esaCreateRequest{Params: p}, &res); err != nil {
		return 0, err
	}
	return tkm.EsaID(res.ID), nil
}

func (c *Client) EsaReset(ctx context.Context, id tkm.EsaID) error {
	return c.call(ctx, OpEsaReset, handleRequest{ID: uint64(id)}, nil)
}
