// Package agent 定义任务执行者（智能体）的统一接口、注册表以及 swarm 扇出执行。
// 默认的智能体是基于剧本的模拟实现，也可以把某些角色交给兼容 OpenAI 的大模型。
package agent
