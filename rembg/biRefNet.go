package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/util"
	nhttp "github.com/chaos-io/lookbook/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	// saveNodeID workflow.json 中 SaveImage 节点的编号
	saveNodeID       = "3"
	placeholderImage = "MyImage.png"

	defaultPollInterval = 500 * time.Millisecond
)

var ErrWorkflowFailed = errors.New("birefnet workflow failed")

//go:embed workflow.json
var workflowData string

// BiRefNetRemBG 通过 ComfyUI 的 BiRefNet 工作流抠图
//
//	上传图片 → 提交 prompt → 轮询 history → 下载输出
type BiRefNetRemBG struct {
	baseURL      string
	cli          nhttp.IClient
	pollInterval time.Duration
}

func NewBiRefNetRemBG(baseURL string, pollInterval time.Duration) *BiRefNetRemBG {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &BiRefNetRemBG{
		baseURL:      baseURL,
		cli:          nhttp.NewHTTPClient(),
		pollInterval: pollInterval,
	}
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	defer util.Trace("birefnet remove")()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	uploaded, err := b.uploadImage(ctx, ksuid.New().String()+".png", buf.Bytes())
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, uploaded.Name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	data, err := b.view(ctx, out)
	if err != nil {
		return nil, err
	}

	res, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return res, nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, name string, data []byte) (*uploadImageResp, error) {
	body := &bytes.Buffer{}
	contentType, err := writeUploadForm(body, name, data)
	if err != nil {
		return nil, err
	}

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/upload/image",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": contentType},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, fmt.Errorf("upload image: empty name in response")
	}

	util.Logger.Debug("image uploaded", zap.String("name", resp.Name), zap.String("type", resp.Type))
	return resp, nil
}

// writeUploadForm 写入 multipart 表单，返回 Content-Type
func writeUploadForm(w io.Writer, name string, data []byte) (string, error) {
	writer := multipart.NewWriter(w)

	// image 文件字段
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}

	// 其他字段
	for _, kv := range [][2]string{{"type", "input"}, {"overwrite", "true"}} {
		if err := writer.WriteField(kv[0], kv[1]); err != nil {
			return "", fmt.Errorf("write form field %s: %w", kv[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}
	return writer.FormDataContentType(), nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	workflow := strings.Replace(workflowData, placeholderImage, imageName, 1)

	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflow), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/prompt",
		Method:     "POST",
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": ksuid.New().String()},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("%w: node errors %v", ErrWorkflowFailed, resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("submit prompt: empty prompt id")
	}

	util.Logger.Debug("prompt queued", zap.String("promptID", resp.PromptID), zap.Int("number", resp.Number))
	return resp.PromptID, nil
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
}

// waitOutput 轮询 history 直到任务完成
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (*outputImage, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + "api/history/" + url.PathEscape(promptID),
			Method:     "GET",
			Response:   &history,
		})
		if err != nil {
			return nil, fmt.Errorf("query history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return nil, fmt.Errorf("%w: prompt %s", ErrWorkflowFailed, promptID)
			}
			if entry.Status.Completed {
				return pickOutput(entry)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pickOutput(entry historyEntry) (*outputImage, error) {
	if out, ok := entry.Outputs[saveNodeID]; ok && len(out.Images) > 0 {
		return &out.Images[0], nil
	}
	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	for _, id := range nodes {
		if images := entry.Outputs[id].Images; len(images) > 0 {
			return &images[0], nil
		}
	}
	return nil, fmt.Errorf("%w: no output image", ErrWorkflowFailed)
}

func (b *BiRefNetRemBG) view(ctx context.Context, out *outputImage) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", out.Filename)
	query.Set("subfolder", out.Subfolder)
	query.Set("type", out.Type)

	var data []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/view?" + query.Encode(),
		Method:     "GET",
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	return data, nil
}
