// Package proxy 是 Fiber 与 worker 之间的 HTTP 适配层：把请求解析到源站地址、
// 交给当前控制者处理，并把 worker.Response 原样写回客户端。
package proxy
