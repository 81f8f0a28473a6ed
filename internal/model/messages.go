package model

import "encoding/json"

// Message is one turn of the conversation sent to the chat completions
// endpoint. Content is either a plain string or a []ContentPart when the
// turn carries an image.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is a single element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a data URL.
type ImageURL struct {
	URL string `json:"url"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	partTypeText  = "text"
	partTypeImage = "image_url"
)

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn. When imageBase64 is non-empty the image
// part precedes the text part, encoded as a data:image/png;base64 URL.
func UserMessage(text, imageBase64 string) Message {
	if imageBase64 == "" {
		return Message{Role: RoleUser, Content: text}
	}
	return Message{
		Role: RoleUser,
		Content: []ContentPart{
			{Type: partTypeImage, ImageURL: &ImageURL{URL: "data:image/png;base64," + imageBase64}},
			{Type: partTypeText, Text: text},
		},
	}
}

// AssistantMessage builds an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// StripImages returns a copy of the message with image parts removed. Older
// turns keep only their text so the context does not grow by one screenshot
// per step.
func StripImages(msg Message) Message {
	parts, ok := msg.Content.([]ContentPart)
	if !ok {
		return msg
	}
	kept := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type == partTypeText {
			kept = append(kept, p)
		}
	}
	return Message{Role: msg.Role, Content: kept}
}

// ScreenInfo renders the observed device state as the compact JSON line the
// model is prompted with.
func ScreenInfo(currentApp string) string {
	info := struct {
		CurrentApp string `json:"current_app"`
	}{CurrentApp: currentApp}
	data, _ := json.Marshal(info)
	return string(data)
}

// contentStats measures the request payload for the adaptive timeout:
// total characters of text and number of attached images.
func contentStats(messages []Message) (chars, images int) {
	for _, msg := range messages {
		switch content := msg.Content.(type) {
		case string:
			chars += len(content)
		case []ContentPart:
			for _, p := range content {
				switch p.Type {
				case partTypeText:
					chars += len(p.Text)
				case partTypeImage:
					images++
				}
			}
		}
	}
	return chars, images
}
