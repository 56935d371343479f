package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	"spectro-station/internal/transport"
	"spectro-station/internal/types"
)

const envDoc = `{"Sensors":[{"ID":"THP-01","Temperature":21.5,"Humidity":40.25,"Pressure":1013.2},{"ID":"THP-02","Temperature":99,"Humidity":1,"Pressure":1}]}` + "\r\n"

// splitChunks 把 s 切成 n 个尽量均匀的块
func splitChunks(s string, n int) [][]byte {
	var out [][]byte
	size := (len(s) + n - 1) / n
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, []byte(s[i:end]))
	}
	return out
}

func testEnvSensor(t *testing.T, respond func([]byte) [][]byte, timeout time.Duration) *EnvSensor {
	t.Helper()
	e := NewEnvSensor(EnvConfig{
		Serial:      transport.Config{Name: "fake-thp"},
		ReadTimeout: timeout,
	}, transport.FakeOpener(transport.NewFake(respond)), nil)
	if r := e.Connect(context.Background()); !r.Success {
		t.Fatalf("连接失败: %s", r.Status)
	}
	return e
}

func TestEnvSensor_ChunkedEqualsSingleRead(t *testing.T) {
	want := EnvReading{SensorID: "THP-01", Temperature: 21.5, Humidity: 40.25, Pressure: 1013.2}
	for _, n := range []int{1, 2, 3, 7, 16, len(envDoc)} {
		t.Run(fmt.Sprintf("%d_chunks", n), func(t *testing.T) {
			e := testEnvSensor(t, func(w []byte) [][]byte {
				if string(w) != "p\r\n" {
					return nil
				}
				return splitChunks(envDoc, n)
			}, 500*time.Millisecond)

			r := e.Read(context.Background())
			if !r.Success {
				t.Fatalf("读取失败: %s (%v)", r.Status, r.Err)
			}
			if got := r.Value.(EnvReading); got != want {
				t.Errorf("得到 %+v, 预期 %+v", got, want)
			}
			e.Apply(&r)
			if e.State().Humidity != 40.25 {
				t.Errorf("状态未更新: %+v", e.State())
			}
		})
	}
}

func TestEnvSensor_NoValidJSONIsNoData(t *testing.T) {
	e := testEnvSensor(t, func(w []byte) [][]byte {
		return [][]byte{[]byte(`{"Sensors":[{"ID":`), []byte("garbage")}
	}, 50*time.Millisecond)

	r := e.Read(context.Background())
	if r.Success {
		t.Fatal("无有效 JSON 时不应成功")
	}
	if r.Status != "no data" || r.Kind != types.KindTimeout {
		t.Errorf("预期 no data / Timeout, 得到 %q / %s", r.Status, r.Kind)
	}
	if !e.State().Connected {
		t.Error("超时不应断开连接")
	}
}

func TestParseEnvPayload_EmptySensors(t *testing.T) {
	_, err := ParseEnvPayload([]byte(`{"Sensors":[]}`))
	if types.KindOf(err) != types.KindProtocol {
		t.Errorf("预期协议错误, 得到 %v", err)
	}
}

func TestParseEnvPayload_NumericID(t *testing.T) {
	got, err := ParseEnvPayload([]byte(`{"Sensors":[{"ID":7,"Temperature":1,"Humidity":2,"Pressure":3}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.SensorID != "7" {
		t.Errorf("预期 ID 7, 得到 %q", got.SensorID)
	}
}

func TestCompleteJSON_SkipsLeadingNoise(t *testing.T) {
	doc, ok := completeJSON([]byte("\x00ok\r\n{\"Sensors\":[]}\r\n"))
	if !ok || string(doc) != `{"Sensors":[]}` {
		t.Errorf("未能识别完整文档: %q %v", doc, ok)
	}
	if _, ok := completeJSON([]byte(`{"Sensors":[`)); ok {
		t.Error("不完整文档不应被识别")
	}
}
