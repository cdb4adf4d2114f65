package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	Convey("Kafka 输出", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		Reset(cancel)
		w := &fakeWriter{}
		ks := newKafkaSinkWithWriter(ctx, w, KafkaSinkConfig{Topic: "covers"})

		Convey("以设备键为消息键", func() {
			So(ks.Publish(stateEvent("aabbccddeeff0001", 40, -1)), ShouldBeNil)
			So(w.msgs, ShouldHaveLength, 1)
			So(string(w.msgs[0].Key), ShouldEqual, "aabbccddeeff0001")
			So(string(w.msgs[0].Headers[0].Value), ShouldEqual, "state")
			var e Event
			So(json.Unmarshal(w.msgs[0].Value, &e), ShouldBeNil)
			So(e.State.Position, ShouldEqual, 40)
			So(e.HubIP, ShouldEqual, "10.0.0.2")
		})

		Convey("写入失败返回错误", func() {
			w.err = errors.New("leader not available")
			So(ks.Publish(stateEvent("k", 1, -1)), ShouldNotBeNil)
		})

		Convey("退出过程中的失败被忽略", func() {
			w.err = context.Canceled
			cancel()
			So(ks.Publish(stateEvent("k", 1, -1)), ShouldBeNil)
		})

		Convey("关闭 writer", func() {
			So(ks.Close(), ShouldBeNil)
			So(w.closed, ShouldBeTrue)
		})
	})

	Convey("Kafka 配置校验", t, func() {
		_, err := NewKafkaSink(context.Background(), map[string]interface{}{"topic": "covers"})
		So(err, ShouldNotBeNil)
		_, err = NewKafkaSink(context.Background(), map[string]interface{}{"brokers": []string{"localhost:9092"}})
		So(err, ShouldNotBeNil)

		tmpl, err := NewKafkaSink(context.Background(), map[string]interface{}{
			"brokers": []string{"localhost:9092"},
			"topic":   "covers",
		})
		So(err, ShouldBeNil)
		So(tmpl.GetType(), ShouldEqual, "kafka")
		So(tmpl.Close(), ShouldBeNil)
	})
}
