// Package worker 实现离线代理的三段生命周期：
//
//  1. Install（provisioner.go）：打开当前缓存代并原子地预加载 Manifest；
//  2. Activate（reaper.go）：删除所有非当前缓存代，然后接管客户端；
//  3. Fetch（interceptor.go）：按请求方法与缓存状态决定命中缓存、回源或返回离线兜底。
//
// Worker 本身不关心版本切换，由 internal/host 驱动生命周期并通过 Scope 回调
// skip-waiting/claim。
package worker
