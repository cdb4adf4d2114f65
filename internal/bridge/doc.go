// Package bridge 是设备生命周期事件的参考消费方。
//
// Bridge 实现 hub.Listener：设备注册时启动一个按 hub::refreshInterval
// 定时刷新的循环，状态变化时经 sink 输出事件；设备注销时停止循环。
// 下游 (MQTT 的 set 主题、admin 接口) 的命令通过 HandleCommand 执行。
package bridge
