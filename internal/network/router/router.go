package router

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/internal/network/serializer"
	"github.com/lk2023060901/chat-garden-go/internal/network/session"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// MsgIDKey 为每条请求中标识消息类型的字段名。
const MsgIDKey = "msgid"

// ErrUnknownMsgID 表示没有为该 msgid 注册路由。
var ErrUnknownMsgID = merr.ErrInvalidMessageType

// Request 是一次已解析的请求。
type Request struct {
	MsgID int
	// Payload 为原始 JSON，转发类消息直接使用它而不重新编码。
	Payload []byte
	// Body 为 Route.NewRequest 创建并解码后的请求对象。
	Body any
}

// Handler 是业务层的处理函数。resp 非 nil 时由 Router 通过 sess.Send 发送。
type Handler func(ctx context.Context, sess session.Session, req *Request) (resp any, err error)

// Middleware 包装某个 msgid 的 Handler，按注册顺序由外到内执行。
type Middleware func(msgID int, next Handler) Handler

// Route 描述一条路由规则：msgid -> 请求类型 + 业务 Handler。
type Route struct {
	// NewRequest 返回指向具体请求类型的指针，例如 func() any { return &LoginRequest{} }。
	NewRequest func() any
	Handler    Handler
}

// Router 维护 msgid 到路由规则的映射。
//
// 典型调用链（服务器侧）：
//  1. 接入层从连接读取一帧，得到明文字节；
//  2. 调用 Router.Handle(ctx, sess, payload)；
//  3. Router 读取 msgid 找到 Route，反序列化请求，调用 Handler；
//  4. Handler 返回非 nil 的 resp 时通过 sess.Send 发送。
type Router interface {
	// Register 注册路由，同一 msgid 不允许重复注册。
	Register(msgID int, route Route) error

	// Use 追加中间件，只对之后的 Handle 调用生效。
	Use(mw ...Middleware)

	// Handle 处理一帧请求，未注册的 msgid 返回 ErrUnknownMsgID。
	Handle(ctx context.Context, sess session.Session, payload []byte) error
}

type defaultRouter struct {
	ser         serializer.Serializer
	routes      map[int]Route
	middlewares []Middleware
}

var _ Router = (*defaultRouter)(nil)

// New 创建 Router，ser 为 nil 时使用 JSONSerializer。
func New(ser serializer.Serializer) Router {
	if ser == nil {
		ser = serializer.JSONSerializer{}
	}
	return &defaultRouter{
		ser:    ser,
		routes: make(map[int]Route),
	}
}

func (r *defaultRouter) Register(msgID int, route Route) error {
	if route.NewRequest == nil {
		return errors.Newf("router: NewRequest is nil for msgid=%d", msgID)
	}
	if route.Handler == nil {
		return errors.Newf("router: Handler is nil for msgid=%d", msgID)
	}
	if _, exists := r.routes[msgID]; exists {
		return errors.Newf("router: msgid=%d already registered", msgID)
	}
	r.routes[msgID] = route
	return nil
}

func (r *defaultRouter) Use(mw ...Middleware) {
	r.middlewares = append(r.middlewares, mw...)
}

func (r *defaultRouter) Handle(ctx context.Context, sess session.Session, payload []byte) error {
	if sess == nil {
		return errors.New("router: session is nil")
	}

	msgID, ok := json.PeekInt(payload, MsgIDKey)
	if !ok {
		return merr.WrapErrJSONParse(errors.Newf("missing integer %q", MsgIDKey))
	}
	route, ok := r.routes[msgID]
	if !ok {
		return merr.WrapErrInvalidMessageType(msgID)
	}

	body := route.NewRequest()
	if err := r.ser.Unmarshal(payload, body); err != nil {
		return merr.WrapErrJSONParse(err)
	}

	h := route.Handler
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](msgID, h)
	}

	resp, err := h(ctx, sess, &Request{MsgID: msgID, Payload: payload, Body: body})
	if resp != nil {
		if sendErr := sess.Send(resp); sendErr != nil {
			return errors.CombineErrors(err, sendErr)
		}
	}
	return err
}
