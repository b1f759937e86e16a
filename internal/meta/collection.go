package meta

// Sanitizer 是作用于 Meta 的纯函数变换，必须对任意 Meta 返回结果且不修改入参。
type Sanitizer interface {
	Name() string
	Sanitize(Meta) Meta
}

// SanitizerFunc 让普通函数满足 Sanitizer。
type SanitizerFunc struct {
	Label string
	Fn    func(Meta) Meta
}

func (f SanitizerFunc) Name() string { return f.Label }
func (f SanitizerFunc) Sanitize(m Meta) Meta { return f.Fn(m) }

// Collection 按注册顺序从左到右折叠执行 sanitizer。
type Collection struct {
	items []Sanitizer
}

// NewCollection 以给定顺序创建集合。
func NewCollection(items ...Sanitizer) *Collection {
	c := &Collection{}
	for _, item := range items {
		c.Add(item)
	}
	return c
}

// Add 追加 sanitizer，nil 会被忽略。
func (c *Collection) Add(s Sanitizer) *Collection {
	if s != nil {
		c.items = append(c.items, s)
	}
	return c
}

// Sanitize 依次应用所有 sanitizer。
func (c *Collection) Sanitize(m Meta) Meta {
	if c == nil {
		return m
	}
	for _, s := range c.items {
		m = s.Sanitize(m)
	}
	return m
}

// Count 返回已注册 sanitizer 数量。
func (c *Collection) Count() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Names 返回按顺序排列的 sanitizer 名称，供诊断接口展示。
func (c *Collection) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.items))
	for _, s := range c.items {
		names = append(names, s.Name())
	}
	return names
}
