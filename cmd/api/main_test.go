package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartReportsStartupErrors(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	var stderr bytes.Buffer
	assert.Equal(t, 1, start(&stderr))
	assert.Contains(t, stderr.String(), `api: config: unsupported DB_DRIVER "mysql"`)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("LOG_FORMAT", "xml")
	stderr.Reset()
	assert.Equal(t, 1, start(&stderr))
	assert.Contains(t, stderr.String(), `api: log format: unsupported value "xml"`)
}
