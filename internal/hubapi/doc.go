/*
Package hubapi 定义了与集线器通信的 UDP/JSON 报文格式。

constants.go -- 端口、组播地址、消息类型与各类枚举

messages.go -- 请求与回复报文的构造、解析和校验

token.go -- 由 connectorKey 与集线器 token 派生 accessToken
*/
package hubapi
