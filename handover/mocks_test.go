package handover

type mockOS struct {
	pid int
}

func (m mockOS) Getpid() int {
	return m.pid
}
