/*
Package device 负责单个设备的标识、坐标换算与状态规范化。

identity.go -- Identity 与 TDBU 设备拆分

mapper.go -- 集线器坐标与对外坐标之间的换算、运动方向

state.go -- 原始状态的合并与位置推断

handler.go -- 单个设备的刷新/命令循环与目标位置跟踪
*/
package device
