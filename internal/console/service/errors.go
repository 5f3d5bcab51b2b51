package service

import "errors"

// ErrBadRequest: ввод оператора не прошел проверку (состояние, правило, пустой ID).
var ErrBadRequest = errors.New("bad request")

// ErrInvalidCredentials: общий ответ на неверный логин или пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")
