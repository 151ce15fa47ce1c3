package sharding

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "sharding")
