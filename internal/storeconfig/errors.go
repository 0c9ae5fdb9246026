package storeconfig

import "errors"

var (
	ErrConfigFileNotFound   = errors.New("config file not found")
	ErrConfigFileRead       = errors.New("failed to read config file")
	ErrConfigInvalid        = errors.New("invalid config file")
	ErrInitialCapacityZero  = errors.New("initial_capacity must be greater than zero")
	ErrGraphMZero           = errors.New("graph_m must be greater than zero")
	ErrMaxLevelZero         = errors.New("max_level must be greater than zero")
	ErrGrowthFactorTooSmall = errors.New("growth factor must be greater than 1.0")
)
