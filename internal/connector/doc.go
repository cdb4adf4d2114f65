/*
Package connector 提供与集线器之间的 UDP 通信。

udpClient.go -- Client：单播请求的重试与超时、组播请求的回复收集、回复校验与写命令限速

simulator.go -- Simulator：内存中的模拟集线器，供本地联调与测试使用

每次尝试都会打开一个新的套接字并在结束时关闭，迟到的回复只会落在已关闭的套接字上。

使用示例：

	client := connector.NewClient(ctx)
	ack, err := client.Send(ctx, hubapi.NewReadDeviceRequest(info), "192.168.1.20")
	switch {
	case errors.Is(err, connector.ErrNoResponse):
		// 状态未知
	case hubapi.IsRejected(err):
		// 集线器明确拒绝
	}
*/
package connector
