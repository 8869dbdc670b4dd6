package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhirsama/Goster-GPS/src/inter"
)

// HTTPDirectory 通过 HTTP GET 拉取设备目录
// 响应体为设备描述数组，每项使用 identity 或 imei 字段
type HTTPDirectory struct {
	url    string
	client *http.Client
}

func NewHTTPDirectory(url string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDirectory) FetchDevices(ctx context.Context) ([]inter.DeviceDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求设备目录失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("设备目录返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var devices []inter.DeviceDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("解析设备目录失败: %w", err)
	}
	return devices, nil
}

// StaticDirectory 配置文件中的固定设备列表
type StaticDirectory []string

func (s StaticDirectory) FetchDevices(context.Context) ([]inter.DeviceDescriptor, error) {
	out := make([]inter.DeviceDescriptor, 0, len(s))
	for _, id := range s {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, inter.DeviceDescriptor{Identity: id})
		}
	}
	return out, nil
}

// MultiDirectory 依次合并多个目录的结果，任一目录失败即返回错误
type MultiDirectory []inter.DeviceDirectory

func (m MultiDirectory) FetchDevices(ctx context.Context) ([]inter.DeviceDescriptor, error) {
	var out []inter.DeviceDescriptor
	for _, d := range m {
		devices, err := d.FetchDevices(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, devices...)
	}
	return out, nil
}
