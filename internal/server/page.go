package server

import (
	"fmt"
	"net/http"
)

// IndexHandler serves the interactive page: a live clock fed by /events, a
// chat room over /ws and buttons for the pooled API endpoints.
func IndexHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>eventcast</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 0 auto; padding: 20px; }
        #events, #messages {
            border: 1px solid #ccc;
            padding: 10px;
            margin: 10px 0;
            height: 200px;
            overflow-y: auto;
        }
        .entry { margin: 5px 0; padding: 6px; background-color: #f0f0f0; border-radius: 4px; }
        .username { font-weight: bold; color: #2196F3; margin-right: 8px; }
        .time { color: #666; font-size: 0.9em; margin-right: 8px; }
        .controls { display: flex; gap: 10px; }
        #message-input { flex-grow: 1; padding: 8px; }
        button { padding: 8px 16px; background-color: #4CAF50; color: white; border: none; border-radius: 4px; cursor: pointer; }
        button:hover { background-color: #45a049; }
    </style>
</head>
<body>
    <h1>eventcast</h1>

    <h2>Server-sent events</h2>
    <div id="events"></div>

    <h2>Chat room</h2>
    <div id="messages"></div>
    <div class="controls">
        <input type="text" id="username-input" placeholder="Username..." style="width: 150px;" />
        <input type="text" id="message-input" placeholder="Message..." />
        <button onclick="sendMessage()">Send</button>
        <button onclick="getServerTime()">Server time</button>
        <button onclick="startTasks()">Run tasks</button>
    </div>

    <script>
        const eventsDiv = document.getElementById('events');
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('message-input');
        const usernameInput = document.getElementById('username-input');
        usernameInput.value = 'user' + Math.floor(Math.random() * 1000);

        const source = new EventSource('/events');
        source.onmessage = function(event) {
            const data = JSON.parse(event.data);
            const el = document.createElement('div');
            el.className = 'entry';
            el.textContent = data.message;
            eventsDiv.insertBefore(el, eventsDiv.firstChild);
        };

        function addMessage(data) {
            const el = document.createElement('div');
            el.className = 'entry';
            if (typeof data === 'string') {
                el.textContent = data;
            } else {
                const user = document.createElement('span');
                user.className = 'username';
                user.textContent = data.username;
                const time = document.createElement('span');
                time.className = 'time';
                time.textContent = data.time;
                const text = document.createElement('span');
                text.textContent = data.message;
                el.append(user, time, text);
            }
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const socket = new WebSocket(scheme + location.host + '/ws', ['json']);
        socket.onopen = () => addMessage('Connected to server');
        socket.onclose = () => addMessage('Disconnected from server');
        socket.onmessage = function(event) {
            const frame = JSON.parse(event.data);
            if (frame.event === 'message') {
                addMessage(frame.data);
            }
        };

        function sendMessage() {
            const message = messageInput.value.trim();
            if (!message || socket.readyState !== WebSocket.OPEN) {
                return;
            }
            const username = usernameInput.value.trim() || 'anonymous';
            socket.send(JSON.stringify({event: 'message', data: {username: username, message: message}}));
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });

        async function getServerTime() {
            try {
                const response = await fetch('/api/time');
                const data = await response.json();
                addMessage({username: 'System', time: data.time, message: data.message});
            } catch (error) {
                addMessage('Failed to get server time: ' + error.message);
            }
        }

        async function executeTask(taskId) {
            try {
                const response = await fetch('/api/task/' + taskId);
                const data = await response.json();
                addMessage({username: 'Task System', time: data.time, message: 'Task ' + data.task_id + ': ' + data.message});
            } catch (error) {
                addMessage('Task ' + taskId + ' failed: ' + error.message);
            }
        }

        async function startTasks() {
            await Promise.all([1, 2, 3, 4].map(executeTask));
        }
    </script>
</body>
</html>`
