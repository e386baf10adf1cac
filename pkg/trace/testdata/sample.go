package sample

type Momo struct{ name string }

func (m *Momo) Greet(greeting string, times int) (out string) {
	prefix := greeting + " "
	for i, r := range m.name {
		_ = i
		out += prefix + string(r)
	}
	var suffix string
	fn := func(x int) int {
		inner := x * 2
		return inner
	}
	_ = fn(times)
	return out + suffix
}

func Plain(a, b int) int {
	c := a + b
	go func() {
		_ = c
	}()
	func() {
		d := c
		_ = func() { _ = d }
	}()
	return c
}
