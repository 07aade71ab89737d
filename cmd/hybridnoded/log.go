package main

import (
	"github.com/kaspanet/hybridchain/logger"
	"github.com/kaspanet/hybridchain/util/panics"
)

var log, _ = logger.Get(logger.SubsystemTags.CORE)
var spawn = panics.GoroutineWrapperFunc(log)
