// Package middleware は通知サービスとファイルサービスが共有するGinミドルウェアを提供する。
//
// JWTAuth はBearerトークンのsubjectを呼び出し元として設定し、RequireService は
// "service:" で始まるサービス用トークンだけを内部APIに通す。
package middleware
