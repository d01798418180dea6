// Package resource 为每种缓存资源类型（article/image/generic）提供策略描述，
// 包括缓存 variant 的选择、离线兜底时的偏好链以及默认 Content-Type。
//
// 各类型在 init() 中通过 Register 注册；Engine 与诊断接口通过 Resolve/List 查询。
package resource
