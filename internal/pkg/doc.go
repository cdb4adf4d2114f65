/*
Package pkg 包含了项目的公共类部分。具体地：

config.go -- 统一定义了所有配置的加载项与默认值

logger.go -- 配置logger项，以及通过 context 传递 logger

errChan.go -- 通过 context 传递全局错误通道

metrics.go -- 集线器通信相关的 prometheus 指标
*/
package pkg
