package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"qa_lab_backend/internal/config"
	"qa_lab_backend/internal/model"
)

// EvalRequest 一次评测请求：题面 + 评分参考 + 学生答案
type EvalRequest struct {
	QuestionType  model.QuestionType
	QuestionOrder int
	PromptMD      string
	Rubric        string
	AnswerText    string
	Model         string
	PromptVersion int
	SchemaVersion int
}

// EvalResult 评测器返回的结构化判分结果
type EvalResult struct {
	Score     int             `json:"score"`
	MaxScore  int             `json:"maxScore"`
	Feedback  json.RawMessage `json:"feedback"`
	Logs      string          `json:"logs"`
	Model     string          `json:"model"`
	PromptVer int             `json:"promptVersion"`
	SchemaVer int             `json:"schemaVersion"`
}

// Evaluator 外部评测器边界。重试安全性由准入队列的幂等保证，评测器本身可重复调用。
type Evaluator interface {
	Grade(ctx context.Context, req EvalRequest) (*EvalResult, error)
}

// EvaluatorService 调用 OpenAI 兼容接口做主观题/代码题判分
type EvaluatorService struct {
	config config.EvaluatorConfig
	client *http.Client
}

func NewEvaluatorService(cfg config.EvaluatorConfig) *EvaluatorService {
	return &EvaluatorService{
		config: cfg,
		client: &http.Client{},
	}
}

type evalChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type evalChatResponse struct {
	Choices []struct {
		Message evalChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const evalSystemPrompt = "你是一名严格而公正的阅卷老师。依据给定的参考答案为学生答案打分，" +
	"只输出一个 JSON 对象：{\"score\":0-100 整数,\"is_correct\":布尔,\"reason\":评语," +
	"\"strengths\":[],\"issues\":[],\"confidence\":0-1}。" +
	"主观题允许等价表述；代码题以功能等价和核心逻辑为主，风格差异不重扣；空白或离题答案给接近 0 分。"

func (s *EvaluatorService) Grade(ctx context.Context, req EvalRequest) (*EvalResult, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = s.config.Model
	}

	userPayload := map[string]interface{}{
		"prompt_version": req.PromptVersion,
		"schema_version": req.SchemaVersion,
		"question_type":  string(req.QuestionType),
		"question_order": req.QuestionOrder,
		"question":       req.PromptMD,
		"answer_key":     req.Rubric,
		"student_answer": req.AnswerText,
	}
	userJSON, err := json.Marshal(userPayload)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]interface{}{
		"model":           modelName,
		"temperature":     0,
		"max_tokens":      s.config.MaxTokens,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []evalChatMessage{
			{Role: "system", Content: evalSystemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(s.config.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.config.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("evaluator request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evaluator error (status %d): %s", resp.StatusCode, truncate(string(body), 300))
	}

	var chatResp evalChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("evaluator returned invalid json: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("evaluator error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("evaluator returned no choices")
	}

	content := chatResp.Choices[0].Message.Content
	parsed, err := parseEvalContent(content)
	if err != nil {
		return nil, err
	}

	score := clampScore(parsed.Score)
	feedback := map[string]interface{}{
		"model":          modelName,
		"prompt_version": req.PromptVersion,
		"schema_version": req.SchemaVersion,
		"score":          score,
		"is_correct":     parsed.IsCorrect(score),
		"reason":         parsed.Reason,
		"strengths":      clampList(parsed.Strengths, 5),
		"issues":         clampList(parsed.Issues, 5),
		"confidence":     clampConfidence(parsed.Confidence),
	}
	feedbackJSON, err := json.Marshal(feedback)
	if err != nil {
		return nil, err
	}

	logs := strings.Join([]string{
		"model=" + modelName,
		fmt.Sprintf("prompt_version=%d", req.PromptVersion),
		fmt.Sprintf("schema_version=%d", req.SchemaVersion),
		fmt.Sprintf("score=%d", score),
		"reason=" + parsed.Reason,
	}, "\n")

	return &EvalResult{
		Score:     score,
		MaxScore:  100,
		Feedback:  feedbackJSON,
		Logs:      logs,
		Model:     modelName,
		PromptVer: req.PromptVersion,
		SchemaVer: req.SchemaVersion,
	}, nil
}

type evalContent struct {
	Score      int      `json:"score"`
	Correct    *bool    `json:"is_correct"`
	Reason     string   `json:"reason"`
	Strengths  []string `json:"strengths"`
	Issues     []string `json:"issues"`
	Confidence float64  `json:"confidence"`
}

func (c *evalContent) IsCorrect(score int) bool {
	if c.Correct != nil {
		return *c.Correct
	}
	return score >= 95
}

// parseEvalContent 提取回复正文中的第一个 JSON 对象，模型偶尔会包一层散文
func parseEvalContent(content string) (*evalContent, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("evaluator output is not a json object: %s", truncate(content, 200))
	}

	var parsed evalContent
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("evaluator output is not valid json: %w", err)
	}
	if parsed.Reason == "" {
		parsed.Reason = "no reason provided"
	}
	return &parsed, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func clampList(items []string, limit int) []string {
	out := make([]string, 0, limit)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

// truncate 按字节上限截断，回退到 rune 边界避免切碎多字节字符
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
