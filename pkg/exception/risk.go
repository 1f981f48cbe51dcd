package exception

import "errors"

var (
	ErrRiskKillSwitch  = errors.New("risk: kill switch engaged")
	ErrRiskMaxQuantity = errors.New("risk: order quantity above limit")
	ErrRiskMaxNotional = errors.New("risk: order notional above limit")
	ErrRiskOrderRate   = errors.New("risk: order rate above limit")
)
