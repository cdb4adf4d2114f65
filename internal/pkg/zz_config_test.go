package pkg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
)

// TestInitCommon 测试 InitCommon 函数
func TestInitCommon(t *testing.T) {
	// 创建一个临时的配置文件目录
	tempDir := t.TempDir()

	configContent := `
version: "1.0.0"
log:
  log_path: ./logs/hubgate.log
  max_size: 512
  max_backups: 10
  max_age: 30
  compress: true
  level: debug
hub:
  connectorKey: "0123456789abcdef"
  addresses:
    - 192.168.1.20
  reverseDirection:
    - "AABBCCDDEEFF0001_T"
  socketTimeout: 500ms
discovery:
  interval: 10m
`
	sinkContent := `
sink:
  - type: prometheus
    enable: true
  - type: mqtt
    enable: false
    when: 'position < 50'
    config:
      broker: "tcp://127.0.0.1:1883"
`
	assert.NoError(t, os.WriteFile(filepath.Join(tempDir, "common.yaml"), []byte(configContent), 0o644))
	// 子目录中的配置同样会被合并
	assert.NoError(t, os.MkdirAll(filepath.Join(tempDir, "sink"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(tempDir, "sink", "sink.yml"), []byte(sinkContent), 0o644))
	// 非 yaml 文件会被忽略
	assert.NoError(t, os.WriteFile(filepath.Join(tempDir, "README.txt"), []byte("not: [yaml"), 0o644))

	config, err := InitCommon(tempDir)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	assert.Equal(t, "1.0.0", config.Version)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, 512, config.Log.MaxSize)
	assert.Equal(t, "0123456789abcdef", config.Hub.ConnectorKey)
	assert.Equal(t, []string{"192.168.1.20"}, config.Hub.Addresses)
	assert.Equal(t, []string{"AABBCCDDEEFF0001_T"}, config.Hub.ReverseDirection)
	assert.Equal(t, 500*time.Millisecond, config.Hub.SocketTimeout)
	assert.Equal(t, 10*time.Minute, config.Discovery.Interval)
	assert.Len(t, config.Sink, 2)
	assert.Equal(t, "prometheus", config.Sink[0].Type)
	assert.Equal(t, "position < 50", config.Sink[1].When)
	assert.Equal(t, "tcp://127.0.0.1:1883", config.Sink[1].Para["broker"])

	// 缺省项使用默认值
	assert.Equal(t, DefaultPort, config.Hub.Port)
	assert.Equal(t, DefaultMaxRetries, config.Hub.MaxRetries)
	assert.Equal(t, DefaultDiscoveryFreq, config.Discovery.Frequency)
	assert.Equal(t, DefaultDiscoveryDuration, config.Discovery.Duration)
	assert.NoError(t, config.Validate())
}

func TestInitCommon_BadDir(t *testing.T) {
	_, err := InitCommon(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "访问路径")
}

func TestConfigValidate(t *testing.T) {
	Convey("配置校验", t, func() {
		c := &Config{Hub: HubConfig{ConnectorKey: "0123456789abcdef"}}
		c.ApplyDefaults()

		Convey("合法配置通过校验", func() {
			So(c.Validate(), ShouldBeNil)
			So(c.MulticastMode(), ShouldBeTrue)
			So(c.DiscoveryTargets(), ShouldResemble, []string{DefaultMulticastIP})
		})

		Convey("缺少 connectorKey", func() {
			c.Hub.ConnectorKey = ""
			So(c.Validate(), ShouldNotBeNil)
		})

		Convey("connectorKey 长度不合法", func() {
			c.Hub.ConnectorKey = "short"
			So(c.Validate(), ShouldNotBeNil)
		})

		Convey("集线器地址必须是 IPv4", func() {
			c.Hub.Addresses = []string{"fe80::1"}
			So(c.Validate(), ShouldNotBeNil)
			c.Hub.Addresses = []string{"hub.local"}
			So(c.Validate(), ShouldNotBeNil)
			c.Hub.Addresses = []string{" 10.0.0.2 ", "10.0.0.3"}
			So(c.Validate(), ShouldBeNil)
			So(c.MulticastMode(), ShouldBeFalse)
			So(c.DiscoveryTargets(), ShouldResemble, []string{"10.0.0.2", "10.0.0.3"})
		})

		Convey("组播地址必须是组播网段", func() {
			c.Hub.MulticastIP = "192.168.1.1"
			So(c.Validate(), ShouldNotBeNil)
		})
	})
}

func TestConfigFromContext(t *testing.T) {
	// 未注入时返回带默认值的配置
	c := ConfigFromContext(context.Background())
	assert.Equal(t, DefaultPort, c.Hub.Port)
	assert.Equal(t, DefaultSocketTimeout, c.Hub.SocketTimeout)

	want := &Config{Version: "x"}
	ctx := WithConfig(context.Background(), want)
	assert.Same(t, want, ConfigFromContext(ctx))
}
