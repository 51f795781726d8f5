package ws

// MessageHandler 处理客户端发来的一帧消息
type MessageHandler interface {
	HandleMessage(conn *Connection, data []byte) error
}
