// Package sink 定义了设备事件的输出目标。
//
// bridge 在设备注册、状态变化、注销时产生 Event，经由 Collection 发送到
// 配置中启用的每个输出。每个输出可以带一个 when 表达式 (expr 语法，
// 变量见 FilterEnv)，只有表达式为真时事件才会被发送。目前支持：
//   - mqtt: 每个设备一个保留消息 <topic>/<key>/state，并订阅 <topic>/+/set 接收命令
//   - influxdb: 位置、目标位置、电量的时序数据
//   - kafka: 以设备键分区的事件流
//   - prometheus: 设备 gauge，经 admin 的 /metrics 暴露
//
// 拓展新的输出：
//
//	func init() {
//		Register("my-sink", NewMySink)
//	}
package sink
