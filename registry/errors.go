package registry

type ErrInvalidFlow struct {
	msg string
}

func (e *ErrInvalidFlow) Error() string {
	return e.msg
}

type ErrFlowAlreadyRegistered struct {
	msg string
}

func (e *ErrFlowAlreadyRegistered) Error() string {
	return e.msg
}

type ErrFlowNotFound struct {
	msg string
}

func (e *ErrFlowNotFound) Error() string {
	return e.msg
}

type ErrInvalidEvent struct {
	msg string
}

func (e *ErrInvalidEvent) Error() string {
	return e.msg
}

type ErrEventAlreadyRegistered struct {
	msg string
}

func (e *ErrEventAlreadyRegistered) Error() string {
	return e.msg
}

type ErrEventNotFound struct {
	msg string
}

func (e *ErrEventNotFound) Error() string {
	return e.msg
}
