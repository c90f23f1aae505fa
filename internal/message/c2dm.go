package message

import "net/url"

// C2DM builds the form-encoded body for Google's legacy C2DM sender. Data
// parameters keep their insertion order.
type C2DM struct {
	CollapseKey    string
	DelayWhileIdle bool

	data []c2dmParam
}

type c2dmParam struct {
	key   string
	value string
}

func NewC2DM() *C2DM {
	return &C2DM{}
}

// AddData appends a data parameter; it is sent as data.<key>=<value>.
func (m *C2DM) AddData(key, value string) {
	m.data = append(m.data, c2dmParam{key: key, value: value})
}

// Values produces the url-encoded parameters for a send. The registration id
// is added by the gateway client per recipient.
func (m *C2DM) Values() url.Values {
	values := url.Values{}
	if m.CollapseKey != "" {
		values.Set("collapse_key", m.CollapseKey)
	}
	if m.DelayWhileIdle {
		values.Set("delay_while_idle", "1")
	} else {
		values.Set("delay_while_idle", "")
	}
	for _, p := range m.data {
		values.Set("data."+p.key, p.value)
	}
	return values
}
