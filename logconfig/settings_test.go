package logconfig

import (
	"testing"

	logger "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	defer ConfigInfoLogger()

	assert.NoError(t, Configure("debug"))
	assert.Equal(t, logger.DebugLevel, logger.GetLevel())

	assert.NoError(t, Configure("json"))
	assert.Equal(t, logger.InfoLevel, logger.GetLevel())
	_, ok := logger.StandardLogger().Formatter.(*logger.JSONFormatter)
	assert.True(t, ok)

	assert.NoError(t, Configure("warn"))
	assert.Equal(t, logger.WarnLevel, logger.GetLevel())

	assert.Error(t, Configure("loud"))
}
