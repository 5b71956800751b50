package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
