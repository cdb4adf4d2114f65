// Package hub 将发现、设备处理与坐标换算组合为对外的统一入口 Service。
package hub
