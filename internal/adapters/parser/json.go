package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// ErrUnknownType возвращается, когда поле "@type" не соответствует ни одному известному объекту.
var ErrUnknownType = errors.New("unknown @type")

// JsonParser кодирует и разбирает объекты словаря tdjson.
type JsonParser struct{}

// NewJsonParser создает новый экземпляр JsonParser.
func NewJsonParser() *JsonParser {
	return &JsonParser{}
}

type typeHeader struct {
	Type string `json:"@type"`
}

// Parse преобразует JSON-объект в типизированный объект по полю "@type".
func (p *JsonParser) Parse(data []byte) (tdjson.Object, error) {
	var head typeHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: field is missing", ErrUnknownType)
	}

	obj, ok := tdjson.New(head.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", head.Type, err)
	}
	return obj, nil
}

// ParseEvent разбирает событие.
func (p *JsonParser) ParseEvent(data []byte) (tdjson.Event, error) {
	return p.Parse(data)
}

// Encode сериализует объект, добавляя поле "@type" первым ключом.
func (p *JsonParser) Encode(obj tdjson.Object) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", obj.TDType(), err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"@type":`)
	typ, _ := json.Marshal(obj.TDType())
	buf.Write(typ)

	inner := bytes.TrimSpace(body)
	inner = bytes.TrimPrefix(inner, []byte("{"))
	inner = bytes.TrimSuffix(inner, []byte("}"))
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
