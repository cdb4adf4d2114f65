/*
Package discovery 负责集线器与设备的发现。

registry.go -- 集线器会话表：地址、会话 token 与派生的 accessToken

round.go -- 一轮发现的状态机 Idle → Probing → Collecting → Complete

scanner.go -- 周期性探测、逐个读取设备并通知 Consumer

stale.go -- 未在本轮出现的设备的失效检测
*/
package discovery
