package payment

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "payment")
