// Package worker 实现应用缓存的生命周期：安装时下载外壳文件到 staging 代，
// 激活时按清单差异修剪 content 代并吸收 staging，之后以 cache-first /
// online-first 策略响应请求。
//
// Coordinator 对应单个发布版本的一次安装；Host 负责在多次发布之间切换
// active / waiting 两代，并在进程重启后从持久化的清单记录恢复。
package worker
