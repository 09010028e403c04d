package controller

import "context"

type contextKey int

const (
	roomIDCtxKey contextKey = iota
	userEmailCtxKey
	userAgentCtxKey
)

func (c controller) getRoomIDFromCtx(ctx context.Context) string {
	roomID, ok := ctx.Value(roomIDCtxKey).(string)
	if !ok {
		return ""
	}

	return roomID
}

func (c controller) getUserEmailFromCtx(ctx context.Context) string {
	email, ok := ctx.Value(userEmailCtxKey).(string)
	if !ok {
		return ""
	}

	return email
}

func (c controller) getUserAgentFromCtx(ctx context.Context) string {
	ua, ok := ctx.Value(userAgentCtxKey).(string)
	if !ok {
		return ""
	}

	return ua
}
