// Package api 提供对外的 REST 接口：所有者管理智能体、预算与提案审批，
// 智能体通过 API Key 提交支付提案，另有支付授权、投递记录与审计查询端点。
package api
