package storage

import logx "ilswbot/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
