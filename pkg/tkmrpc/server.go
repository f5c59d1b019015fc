package tkmrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

type ServerOption func(*Server)

// WithAllowedUIDs 只接受这些用户的连接，为空时不检查
func WithAllowedUIDs(uids ...uint32) ServerOption {
	return func(s *Server) { s.allowedUIDs = uids }
}

func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// Server 把套接字上的请求转发给后端密钥管理器
type Server struct {
	backend     tkm.Client
	allowedUIDs []uint32
	log         *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	path     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	served atomic.Uint64
}

func NewServer(backend tkm.Client, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNamed(s.log, "tkmrpc")
	return s
}

// Listen 在 Unix 套接字上监听并开始接受连接
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("创建套接字目录: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除残留套接字: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("监听 %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("设置套接字权限: %w", err)
	}

	s.mu.Lock()
	s.path = path
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(l); err != nil {
			s.log.Error("套接字服务退出", zap.Error(err))
		}
	}()
	s.log.Info("密钥管理器开始监听", zap.String("socket", path))
	return nil
}

// Serve 在给定监听器上接受连接，直到 Close
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	// Close 可能已先于此处执行，此时它看不到这个监听器
	if s.ctx.Err() != nil {
		l.Close()
		return nil
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("接受连接失败", zap.Error(err))
			continue
		}
		if err := s.authorize(conn); err != nil {
			s.log.Warn("拒绝连接", zap.Error(err))
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

func (s *Server) authorize(conn net.Conn) error {
	if len(s.allowedUIDs) == 0 {
		return nil
	}
	uid, err := peerUID(conn)
	if err != nil {
		return err
	}
	if !slices.Contains(s.allowedUIDs, uid) {
		return fmt.Errorf("用户 %d 不在允许列表中", uid)
	}
	return nil
}

// ServeConn 处理单个连接上的全部请求
// 请求并发执行，不同 IKE SA 之间互不阻塞
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.log.Warn("读取请求失败", zap.Error(err))
			}
			return
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			payload := s.handle(msg)
			reply := NewMessage(msg.Header.Op, msg.Header.RequestID, FlagResponse, payload)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := reply.Write(conn); err != nil {
				s.log.Debug("写响应失败", zap.Error(err))
			}
		}()
	}
}

func (s *Server) handle(msg *Message) []byte {
	s.served.Inc()
	result, err := s.dispatch(s.ctx, msg.Header.Op, msg.Payload)

	var resp response
	if err != nil {
		names := tkm.KindNames(err)
		resp = response{Kind: names[0], Kinds: names, Message: err.Error()}
		s.log.Debug("请求失败", zap.Stringer("op", msg.Header.Op), zap.Error(err))
	} else {
		resp.OK = true
		if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				resp = response{Kind: tkm.KindName(tkm.ErrDerivation), Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
	}
	out, _ := json.Marshal(&resp)
	return out
}

func decode(op Op, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return tkm.NewError(op.String(), tkm.ErrDerivation, fmt.Errorf("解码请求: %w", err))
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, op Op, payload []byte) (any, error) {
	b := s.backend
	switch op {
	case OpAlgorithms:
		return b.Algorithms(ctx)

	case OpNonceCreate:
		var req nonceCreateRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		id, value, err := b.NonceCreate(ctx, req.Length)
		if err != nil {
			return nil, err
		}
		return nonceCreateResult{ID: uint64(id), Value: value}, nil

	case OpNonceReset, OpDhPublicValue, OpDhReset, OpIsaReset, OpEsaReset:
		var req handleRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return s.dispatchHandle(ctx, op, req.ID)

	case OpDhCreate:
		var req dhCreateRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		id, err := b.DhCreate(ctx, req.Group)
		if err != nil {
			return nil, err
		}
		return idResult{ID: uint64(id)}, nil

	case OpDhSetPeer:
		var req dhSetPeerRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return nil, b.DhSetPeer(ctx, tkm.DhID(req.ID), req.Value)

	case OpIsaAllocate:
		id, err := b.IsaAllocate(ctx)
		if err != nil {
			return nil, err
		}
		return idResult{ID: uint64(id)}, nil

	case OpIsaCreate:
		var req isaCreateRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		defer clear(req.Params.SharedSecret)
		return nil, b.IsaCreate(ctx, tkm.IsaID(req.ID), req.Params)

	case OpIsaEncrypt, OpIsaDecrypt, OpIsaSign, OpIsaVerify:
		var req isaDataRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		return s.dispatchData(ctx, op, req)

	case OpIsaAuth:
		var req isaAuthRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		defer clear(req.Params.Secret)
		value, err := b.IsaAuth(ctx, tkm.IsaID(req.ID), req.Params)
		if err != nil {
			return nil, err
		}
		return valueResult{Value: value}, nil

	case OpEsaCreate:
		var req esaCreateRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		id, err := b.EsaCreate(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return idResult{ID: uint64(id)}, nil

	default:
		return nil, tkm.NewError(op.String(), tkm.ErrDerivation, errors.New("未知的请求类型"))
	}
}

func (s *Server) dispatchHandle(ctx context.Context, op Op, id uint64) (any, error) {
	b := s.backend
	switch op {
	case OpNonceReset:
		return nil, b.NonceReset(ctx, tkm.NcID(id))
	case OpDhPublicValue:
		value, err := b.DhPublicValue(ctx, tkm.DhID(id))
		if err != nil {
			return nil, err
		}
		return valueResult{Value: value}, nil
	case OpDhReset:
		return nil, b.DhReset(ctx, tkm.DhID(id))
	case OpIsaReset:
		return nil, b.IsaReset(ctx, tkm.IsaID(id))
	default:
		return nil, b.EsaReset(ctx, tkm.EsaID(id))
	}
}

func (s *Server) dispatchData(ctx context.Context, op Op, req isaDataRequest) (any, error) {
	b := s.backend
	id := tkm.IsaID(req.ID)

	var value []byte
	var err error
	switch op {
	case OpIsaEncrypt:
		value, err = b.IsaEncrypt(ctx, id, req.Dir, req.Assoc, req.Data)
	case OpIsaDecrypt:
		value, err = b.IsaDecrypt(ctx, id, req.Dir, req.Assoc, req.Data)
	case OpIsaSign:
		value, err = b.IsaSign(ctx, id, req.Dir, req.Data)
	default:
		return nil, b.IsaVerify(ctx, id, req.Dir, req.Data, req.ICV)
	}
	if err != nil {
		return nil, err
	}
	return valueResult{Value: value}, nil
}

// Served 已处理的请求数
func (s *Server) Served() uint64 {
	return s.served.Load()
}

// Close 停止监听，关闭全部连接并等待处理中的请求结束
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	l := s.listener
	path := s.path
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	if path != "" {
		_ = os.Remove(path)
	}
	return err
}
